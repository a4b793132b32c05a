package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sprinkler/internal/eventbus"
	"sprinkler/internal/storage"
	"sprinkler/internal/task/scheduler"
	logx "sprinkler/pkg/logx"
)

// Publisher forwards fresh sensor values to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, sensorName string, value int) error
}

// Store is the storage surface used by the poller.
type Store interface {
	GetSensor(ctx context.Context, id int64) (storage.Sensor, error)
	ListSensors(ctx context.Context) ([]storage.Sensor, error)
	AppendSensorValue(ctx context.Context, v *storage.SensorValue) error
}

// Registry is the subset of the task registry the poller drives.
type Registry interface {
	Replace(key scheduler.Key, expr, name string, task scheduler.TaskFunc) error
	CancelAll(key scheduler.Key) int
}

// Polled is the payload of eventbus.SensorPolled.
type Polled struct {
	SensorID int64
	Name     string
	At       time.Time
	Value    int
}

// Poller keeps one recurring poll registration per sensor with a cron
// expression.
type Poller struct {
	reg       Registry
	store     Store
	providers *Providers
	pub       Publisher
	bus       eventbus.Bus
	log       logx.Logger

	pubFailures *rate.Limiter
}

// NewPoller returns a poller. Concurrent scheduled polls are bounded by the
// registry's limit for scheduler.KindSensor.
func NewPoller(reg Registry, store Store, providers *Providers, pub Publisher, bus eventbus.Bus, log logx.Logger) *Poller {
	return &Poller{
		reg:         reg,
		store:       store,
		providers:   providers,
		pub:         pub,
		bus:         bus,
		log:         log.With(logx.String("comp", "sensor")),
		pubFailures: rate.NewLimiter(rate.Every(time.Minute), 3),
	}
}

func Key(id int64) scheduler.Key { return scheduler.Key{Kind: scheduler.KindSensor, ID: id} }

// Start registers every stored sensor.
func (p *Poller) Start(ctx context.Context) error {
	sensors, err := p.store.ListSensors(ctx)
	if err != nil {
		return fmt.Errorf("list sensors: %w", err)
	}
	var errs []error
	for _, s := range sensors {
		if err := p.SensorCreated(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Info("sensor polling started", logx.Int("sensors", len(sensors)))
	return errors.Join(errs...)
}

func (p *Poller) SensorCreated(ctx context.Context, s storage.Sensor) error {
	return p.sync(s)
}

func (p *Poller) SensorUpdated(ctx context.Context, s storage.Sensor) error {
	return p.sync(s)
}

func (p *Poller) SensorDeleted(ctx context.Context, s storage.Sensor) error {
	p.reg.CancelAll(Key(s.ID))
	p.log.Debug("sensor unregistered", logx.Int64("sensor_id", s.ID))
	return nil
}

func (p *Poller) sync(s storage.Sensor) error {
	key := Key(s.ID)
	if strings.TrimSpace(s.Cron) == "" {
		p.reg.CancelAll(key)
		return nil
	}
	id := s.ID
	err := p.reg.Replace(key, s.Cron, "sensor.poll."+s.Name, func(ctx context.Context) error {
		return p.PollNow(ctx, id)
	})
	if err != nil {
		// Keep the entry consistent with the stored row: no stale trigger.
		p.reg.CancelAll(key)
		return fmt.Errorf("sensor %d: %w", s.ID, err)
	}
	return nil
}

// PollNow reads sensor id once, stores the value and publishes it. Publish
// failures are logged and never returned.
func (p *Poller) PollNow(ctx context.Context, id int64) error {
	s, err := p.store.GetSensor(ctx, id)
	if err != nil {
		return fmt.Errorf("sensor %d: %w", id, err)
	}
	log := p.log.With(logx.Int64("sensor_id", s.ID), logx.String("sensor", s.Name))

	r, err := p.providers.ObtainValue(ctx, s.ProviderID, s.Config)
	if err != nil {
		log.Warn("sensor read failed", logx.String("provider", s.ProviderID), logx.Err(err))
		return fmt.Errorf("sensor %s: obtain value: %w", s.Name, err)
	}

	v := &storage.SensorValue{SensorID: s.ID, At: r.At, Value: r.Value}
	if err := p.store.AppendSensorValue(ctx, v); err != nil {
		return fmt.Errorf("sensor %s: store value: %w", s.Name, err)
	}
	log.Debug("sensor value saved", logx.Int("value", r.Value), logx.Time("at", r.At))
	eventbus.Emit(p.bus, eventbus.SensorPolled, Polled{SensorID: s.ID, Name: s.Name, At: r.At, Value: r.Value})

	if p.pub != nil {
		if err := p.pub.Publish(ctx, s.Name, r.Value); err != nil && p.pubFailures.Allow() {
			log.Warn("publish sensor value failed", logx.Err(err))
		}
	}
	return nil
}
