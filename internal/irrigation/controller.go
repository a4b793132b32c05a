// Package irrigation keeps the task registry consistent with the stored
// schedules and runs the watering pulses they trigger.
package irrigation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/eventbus"
	"sprinkler/internal/storage"
	"sprinkler/internal/task/cronexpr"
	"sprinkler/internal/task/scheduler"
	logx "sprinkler/pkg/logx"
)

var (
	ErrInvalidDuration = errors.New("invalid pulse duration")
	ErrNoCron          = errors.New("schedule has no cron expression")
)

const (
	DefaultMaxDuration        = 10 * time.Hour
	DefaultResumeMinRemaining = 10 * time.Second
	deactivateTimeout         = 10 * time.Second
)

// State reports whether a schedule has a live recurring registration.
type State int

const (
	Unregistered State = iota
	Registered
)

func (s State) String() string {
	if s == Registered {
		return "registered"
	}
	return "unregistered"
}

type Config struct {
	// RainPolicy enables the rain adjustment for schedules with a rain factor.
	RainPolicy bool
	// ResumeMinRemaining is the shortest interrupted run resumed at startup.
	ResumeMinRemaining time.Duration
	MaxDuration        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResumeMinRemaining <= 0 {
		c.ResumeMinRemaining = DefaultResumeMinRemaining
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	return c
}

// Store is the storage surface used by the controller.
type Store interface {
	GetSchedule(ctx context.Context, id int64) (storage.Schedule, error)
	ListSchedules(ctx context.Context) ([]storage.Schedule, error)
	GetRelay(ctx context.Context, id int64) (storage.Relay, error)
	AppendScheduleLog(ctx context.Context, l *storage.ScheduleLog) error
	SensorValues
}

// Actuator switches relays.
type Actuator interface {
	Activate(ctx context.Context, providerID, config string) error
	Deactivate(ctx context.Context, providerID, config string) error
	Check(providerID, config string) error
}

// Registry is the subset of the task registry the controller drives.
type Registry interface {
	Replace(key scheduler.Key, expr, name string, task scheduler.TaskFunc) error
	CancelAll(key scheduler.Key) int
	RegisterOneShot(owner context.Context, key scheduler.Key, delay time.Duration, name string, task scheduler.TaskFunc) (*scheduler.Handle, error)
	Pending(key scheduler.Key) int
	HasRecurring(key scheduler.Key) bool
	Location() *time.Location
}

type Controller struct {
	cfg    Config
	reg    Registry
	store  Store
	relays Actuator
	adj    *Adjuster
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger
}

func NewController(cfg Config, reg Registry, store Store, relays Actuator, rain RainService, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Controller {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		relays: relays,
		adj:    &Adjuster{Values: store, Rain: rain, RainPolicy: cfg.RainPolicy},
		clk:    clk,
		bus:    bus,
		log:    log.With(logx.String("comp", "irrigation")),
	}
}

func ScheduleKey(id int64) scheduler.Key { return scheduler.Key{Kind: scheduler.KindSchedule, ID: id} }
func RelayKey(id int64) scheduler.Key    { return scheduler.Key{Kind: scheduler.KindRelay, ID: id} }

// Start registers every stored schedule and resumes runs interrupted by a
// restart.
func (c *Controller) Start(ctx context.Context) error {
	schedules, err := c.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	var errs []error
	registered := 0
	for _, s := range schedules {
		if err := c.sync(ctx, s); err != nil {
			errs = append(errs, err)
			continue
		}
		if c.State(s.ID) == Registered {
			registered++
			c.resume(ctx, s)
		}
	}
	c.log.Info("schedules started", logx.Int("schedules", len(schedules)), logx.Int("registered", registered))
	return errors.Join(errs...)
}

func (c *Controller) ScheduleCreated(ctx context.Context, s storage.Schedule) error {
	return c.sync(ctx, s)
}

func (c *Controller) ScheduleUpdated(ctx context.Context, s storage.Schedule) error {
	return c.sync(ctx, s)
}

// ScheduleDeleted cancels the schedule's trigger and interrupts a running pulse.
func (c *Controller) ScheduleDeleted(ctx context.Context, s storage.Schedule) error {
	n := c.reg.CancelAll(ScheduleKey(s.ID))
	c.log.Debug("schedule unregistered", logx.Int64("schedule_id", s.ID), logx.Int("canceled", n))
	return nil
}

func (c *Controller) sync(ctx context.Context, s storage.Schedule) error {
	key := ScheduleKey(s.ID)
	if !s.Enabled || strings.TrimSpace(s.Cron) == "" {
		c.reg.CancelAll(key)
		c.log.Debug("schedule inactive", logx.Int64("schedule_id", s.ID), logx.Bool("enabled", s.Enabled))
		return nil
	}
	if _, err := c.store.GetRelay(ctx, s.RelayID); err != nil {
		c.reg.CancelAll(key)
		return fmt.Errorf("schedule %d: relay %d: %w", s.ID, s.RelayID, err)
	}
	id := s.ID
	err := c.reg.Replace(key, s.Cron, "schedule."+scheduleName(s), func(ctx context.Context) error {
		return c.ExecuteNow(ctx, id)
	})
	if err != nil {
		c.reg.CancelAll(key)
		return fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	return nil
}

func (c *Controller) State(scheduleID int64) State {
	if c.reg.HasRecurring(ScheduleKey(scheduleID)) {
		return Registered
	}
	return Unregistered
}

// resume restarts a run that the previous process was interrupted in. It
// looks for the latest planned start in (now-duration, now) and waters for
// what is left of it. No log row is written.
func (c *Controller) resume(ctx context.Context, s storage.Schedule) {
	now := c.clk.Now()
	prev, ok := previousStart(s.Cron, now.Add(-s.Duration()).In(c.reg.Location()), now)
	if !ok {
		return
	}
	remaining := s.Duration() - now.Sub(prev)
	if remaining <= c.cfg.ResumeMinRemaining {
		return
	}
	relay, err := c.store.GetRelay(ctx, s.RelayID)
	if err != nil {
		c.log.Warn("resume skipped", logx.Int64("schedule_id", s.ID), logx.Err(err))
		return
	}
	c.log.Info("resuming after restart", logx.Int64("schedule_id", s.ID), logx.String("relay", relay.Name), logx.String("remaining", Humanize(remaining, 2)))
	p := eventbus.Pulse{ScheduleID: s.ID, RelayID: relay.ID, RelayName: relay.Name, Duration: remaining, Explanation: "Resuming after restart"}
	if _, err := c.startPulse(ctx, ScheduleKey(s.ID), relay, p); err != nil {
		c.log.Warn("resume failed", logx.Int64("schedule_id", s.ID), logx.Err(err))
	}
}

// previousStart returns the latest cron instant in (from, now).
func previousStart(expr string, from, now time.Time) (time.Time, bool) {
	sched, err := cronexpr.Parse(expr)
	if err != nil || sched.Never() {
		return time.Time{}, false
	}
	var last time.Time
	found := false
	for {
		next, ok := sched.Next(from)
		if !ok || !next.Before(now) {
			return last, found
		}
		last, found = next, true
		from = next
	}
}

// ExecuteNow runs a schedule once: re-read it, compute the effective
// duration, log the run and start the pulse. A run is skipped while a pulse
// of the same schedule is still pending, and with an error when the relay's
// provider is unknown or disabled.
func (c *Controller) ExecuteNow(ctx context.Context, scheduleID int64) error {
	s, err := c.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("schedule %d: %w", scheduleID, err)
	}
	relay, err := c.store.GetRelay(ctx, s.RelayID)
	if err != nil {
		return fmt.Errorf("schedule %d: relay %d: %w", s.ID, s.RelayID, err)
	}
	log := c.log.With(logx.Int64("schedule_id", s.ID), logx.String("relay", relay.Name))
	key := ScheduleKey(s.ID)
	p := eventbus.Pulse{ScheduleID: s.ID, RelayID: relay.ID, RelayName: relay.Name}

	if n := c.reg.Pending(key); n > 0 {
		p.Explanation = "previous run still active"
		log.Info("run skipped", logx.String("reason", p.Explanation))
		eventbus.Emit(c.bus, eventbus.PulseSkipped, p)
		return nil
	}

	ms, expl, err := c.adj.Effective(ctx, s)
	if err != nil {
		return fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	p.Duration, p.Explanation = millis(ms), expl
	if ms <= 0 {
		log.Info("run skipped", logx.String("reason", expl))
		eventbus.Emit(c.bus, eventbus.PulseSkipped, p)
		return nil
	}

	if err := c.relays.Check(relay.ProviderID, relay.Config); err != nil {
		p.Explanation = err.Error()
		log.Warn("run skipped", logx.Err(err))
		eventbus.Emit(c.bus, eventbus.PulseSkipped, p)
		return fmt.Errorf("schedule %d: relay %s: %w", s.ID, relay.Name, err)
	}

	entry := &storage.ScheduleLog{ScheduleID: s.ID, RelayName: relay.Name, Start: c.clk.Now(), DurationMillis: ms}
	if err := c.store.AppendScheduleLog(ctx, entry); err != nil {
		return fmt.Errorf("schedule %d: append log: %w", s.ID, err)
	}
	if _, err := c.startPulse(ctx, key, relay, p); err != nil {
		return fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	return nil
}

// ScheduleNow starts a manual pulse on a relay.
func (c *Controller) ScheduleNow(ctx context.Context, relayID int64, d time.Duration, explanation string) (*scheduler.Handle, error) {
	if d <= 0 || d > c.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: %s not in (0, %s]", ErrInvalidDuration, d, c.cfg.MaxDuration)
	}
	relay, err := c.store.GetRelay(ctx, relayID)
	if err != nil {
		return nil, fmt.Errorf("relay %d: %w", relayID, err)
	}
	if err := c.relays.Check(relay.ProviderID, relay.Config); err != nil {
		return nil, fmt.Errorf("relay %s: %w", relay.Name, err)
	}
	if strings.TrimSpace(explanation) == "" {
		explanation = "Manual"
	}
	p := eventbus.Pulse{RelayID: relay.ID, RelayName: relay.Name, Duration: d, Explanation: explanation}
	return c.startPulse(ctx, RelayKey(relayID), relay, p)
}

// Deactivate cancels manual pulses of a relay and returns how many were
// canceled. Scheduled pulses are not affected.
func (c *Controller) Deactivate(relayID int64) int {
	return c.reg.CancelAll(RelayKey(relayID))
}

// NextActivations previews the next n planned starts of a schedule.
func (c *Controller) NextActivations(ctx context.Context, scheduleID int64, n int) ([]time.Time, error) {
	s, err := c.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("schedule %d: %w", scheduleID, err)
	}
	if strings.TrimSpace(s.Cron) == "" {
		return nil, ErrNoCron
	}
	return cronexpr.Preview(s.Cron, c.clk.Now().In(c.reg.Location()), n)
}

func (c *Controller) startPulse(owner context.Context, key scheduler.Key, relay storage.Relay, p eventbus.Pulse) (*scheduler.Handle, error) {
	name := "pulse." + relay.Name
	var h *scheduler.Handle
	started := make(chan struct{})
	h, err := c.reg.RegisterOneShot(owner, key, 0, name, func(ctx context.Context) error {
		<-started
		p.HandleID = h.ID
		return c.pulse(ctx, relay, p)
	})
	close(started)
	return h, err
}

// pulse switches relay on for p.Duration. Cancellation interrupts the wait;
// the relay is switched off either way with a fresh context. Failures are
// logged and not retried.
func (c *Controller) pulse(ctx context.Context, relay storage.Relay, p eventbus.Pulse) error {
	log := c.log.With(logx.String("relay", relay.Name), logx.String("handle", p.HandleID))
	if p.ScheduleID != 0 {
		log = log.With(logx.Int64("schedule_id", p.ScheduleID))
	}
	if err := c.relays.Activate(ctx, relay.ProviderID, relay.Config); err != nil {
		log.Error("activate failed", logx.Err(err))
		p.Err = err.Error()
		eventbus.Emit(c.bus, eventbus.PulseFinished, p)
		return fmt.Errorf("activate %s: %w", relay.Name, err)
	}
	log.Info("pulse started", logx.String("duration", Humanize(p.Duration, 3)), logx.String("explanation", p.Explanation))
	eventbus.Emit(c.bus, eventbus.PulseStarted, p)

	p.Completed = clock.Sleep(c.clk, p.Duration, ctx.Done())

	dctx, cancel := context.WithTimeout(context.Background(), deactivateTimeout)
	defer cancel()
	err := c.relays.Deactivate(dctx, relay.ProviderID, relay.Config)
	if err != nil {
		log.Error("deactivate failed", logx.Err(err))
		p.Err = err.Error()
	}
	if p.Completed {
		log.Info("pulse finished")
	} else {
		log.Info("pulse canceled")
	}
	eventbus.Emit(c.bus, eventbus.PulseFinished, p)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", relay.Name, err)
	}
	return nil
}

func scheduleName(s storage.Schedule) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%d", s.ID)
}
