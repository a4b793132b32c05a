// Package crud is the write path for relays, sensors and schedules. It
// validates input, commits to storage and then notifies the controllers
// synchronously so the task registry follows every committed change.
package crud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"sprinkler/internal/storage"
	"sprinkler/internal/task/cronexpr"
	logx "sprinkler/pkg/logx"
)

const (
	MaxNameLength   = 32
	MaxConfigLength = 128
	MaxDuration     = 36000 // seconds
)

// ErrInUse is returned when deleting a row other rows still reference.
var ErrInUse = errors.New("still referenced")

// ValidationError reports one rejected field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Message, e.Err)
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, msg string, err error) error {
	return &ValidationError{Field: field, Message: msg, Err: err}
}

type ScheduleListener interface {
	ScheduleCreated(ctx context.Context, s storage.Schedule) error
	ScheduleUpdated(ctx context.Context, s storage.Schedule) error
	ScheduleDeleted(ctx context.Context, s storage.Schedule) error
}

type SensorListener interface {
	SensorCreated(ctx context.Context, s storage.Sensor) error
	SensorUpdated(ctx context.Context, s storage.Sensor) error
	SensorDeleted(ctx context.Context, s storage.Sensor) error
}

// ConfigValidator checks a provider id and its config string.
type ConfigValidator interface {
	ValidateConfig(providerID, config string) error
}

type Service struct {
	store   storage.Store
	relays  ConfigValidator
	sensors ConfigValidator
	log     logx.Logger

	// mu serializes writes so listeners see commits in order.
	mu                sync.Mutex
	scheduleListeners []ScheduleListener
	sensorListeners   []SensorListener
}

func New(store storage.Store, relays, sensors ConfigValidator, log logx.Logger) *Service {
	return &Service{store: store, relays: relays, sensors: sensors, log: log.With(logx.String("comp", "crud"))}
}

func (s *Service) AddScheduleListener(l ScheduleListener) {
	s.mu.Lock()
	s.scheduleListeners = append(s.scheduleListeners, l)
	s.mu.Unlock()
}

func (s *Service) AddSensorListener(l SensorListener) {
	s.mu.Lock()
	s.sensorListeners = append(s.sensorListeners, l)
	s.mu.Unlock()
}

func validateName(name string) error {
	n := utf8.RuneCountInString(name)
	if strings.TrimSpace(name) == "" || n > MaxNameLength {
		return invalid("name", fmt.Sprintf("must be 1-%d characters", MaxNameLength), nil)
	}
	return nil
}

func validateProvider(v ConfigValidator, providerID, config string) error {
	if len(config) > MaxConfigLength {
		return invalid("config", fmt.Sprintf("must be at most %d characters", MaxConfigLength), nil)
	}
	if v == nil {
		return nil
	}
	if err := v.ValidateConfig(providerID, config); err != nil {
		return invalid("config", "rejected by provider", err)
	}
	return nil
}

func validateCron(expr string) error {
	if err := cronexpr.Validate(expr); err != nil {
		return invalid("cron", "invalid expression", err)
	}
	return nil
}

func (s *Service) validateRelay(r *storage.Relay) error {
	if err := validateName(r.Name); err != nil {
		return err
	}
	return validateProvider(s.relays, r.ProviderID, r.Config)
}

func (s *Service) validateSensor(v *storage.Sensor) error {
	if err := validateName(v.Name); err != nil {
		return err
	}
	if err := validateProvider(s.sensors, v.ProviderID, v.Config); err != nil {
		return err
	}
	return validateCron(v.Cron)
}

func (s *Service) validateSchedule(ctx context.Context, sc *storage.Schedule) error {
	if err := validateName(sc.Name); err != nil {
		return err
	}
	if sc.DurationSeconds <= 0 || sc.DurationSeconds > MaxDuration {
		return invalid("duration", fmt.Sprintf("must be 1..%d seconds", MaxDuration), nil)
	}
	switch {
	case sc.SensorInfluence < 0:
		return invalid("sensor_influence", "must be >= 0", nil)
	case sc.SensorChangeLimit < 0:
		return invalid("sensor_change_limit", "must be >= 0", nil)
	case sc.RainFactor < 0:
		return invalid("rain_factor", "must be >= 0", nil)
	}
	if err := validateCron(sc.Cron); err != nil {
		return err
	}
	if _, err := s.store.GetRelay(ctx, sc.RelayID); err != nil {
		return invalid("relay", "unknown relay", err)
	}
	if sc.SensorID != nil {
		if _, err := s.store.GetSensor(ctx, *sc.SensorID); err != nil {
			return invalid("sensor", "unknown sensor", err)
		}
	}
	return nil
}

func (s *Service) CreateRelay(ctx context.Context, r *storage.Relay) error {
	if err := s.validateRelay(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.CreateRelay(ctx, r)
}

// UpdateRelay commits r. Schedules re-read their relay on every run, so no
// listener is involved.
func (s *Service) UpdateRelay(ctx context.Context, r *storage.Relay) error {
	if err := s.validateRelay(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.UpdateRelay(ctx, r)
}

func (s *Service) DeleteRelay(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if sc.RelayID == id {
			return fmt.Errorf("relay %d: %w by schedule %q", id, ErrInUse, sc.Name)
		}
	}
	return s.store.DeleteRelay(ctx, id)
}

func (s *Service) CreateSensor(ctx context.Context, v *storage.Sensor) error {
	if err := s.validateSensor(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateSensor(ctx, v); err != nil {
		return err
	}
	for _, l := range s.sensorListeners {
		s.notify("sensor.created", v.ID, l.SensorCreated(ctx, *v))
	}
	return nil
}

func (s *Service) UpdateSensor(ctx context.Context, v *storage.Sensor) error {
	if err := s.validateSensor(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpdateSensor(ctx, v); err != nil {
		return err
	}
	for _, l := range s.sensorListeners {
		s.notify("sensor.updated", v.ID, l.SensorUpdated(ctx, *v))
	}
	return nil
}

func (s *Service) DeleteSensor(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.store.GetSensor(ctx, id)
	if err != nil {
		return err
	}
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if sc.SensorID != nil && *sc.SensorID == id {
			return fmt.Errorf("sensor %d: %w by schedule %q", id, ErrInUse, sc.Name)
		}
	}
	if err := s.store.DeleteSensor(ctx, id); err != nil {
		return err
	}
	for _, l := range s.sensorListeners {
		s.notify("sensor.deleted", id, l.SensorDeleted(ctx, v))
	}
	return nil
}

func (s *Service) CreateSchedule(ctx context.Context, sc *storage.Schedule) error {
	if err := s.validateSchedule(ctx, sc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return err
	}
	for _, l := range s.scheduleListeners {
		s.notify("schedule.created", sc.ID, l.ScheduleCreated(ctx, *sc))
	}
	return nil
}

func (s *Service) UpdateSchedule(ctx context.Context, sc *storage.Schedule) error {
	if err := s.validateSchedule(ctx, sc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return err
	}
	for _, l := range s.scheduleListeners {
		s.notify("schedule.updated", sc.ID, l.ScheduleUpdated(ctx, *sc))
	}
	return nil
}

func (s *Service) DeleteSchedule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	for _, l := range s.scheduleListeners {
		s.notify("schedule.deleted", id, l.ScheduleDeleted(ctx, sc))
	}
	return nil
}

// notify logs a listener failure. The commit already happened, so the
// error is not returned to the caller.
func (s *Service) notify(op string, id int64, err error) {
	if err != nil {
		s.log.Warn("listener failed", logx.String("op", op), logx.Int64("id", id), logx.Err(err))
	}
}
