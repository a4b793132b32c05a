// Package app wires the daemon: storage, task engine and registry, relay and
// sensor providers, the controllers and the config hot reload.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/config"
	"sprinkler/internal/crud"
	"sprinkler/internal/eventbus"
	"sprinkler/internal/irrigation"
	"sprinkler/internal/publish"
	"sprinkler/internal/relay"
	"sprinkler/internal/runtime/supervisor"
	"sprinkler/internal/sensor"
	"sprinkler/internal/storage"
	"sprinkler/internal/task/engine"
	"sprinkler/internal/task/scheduler"
	"sprinkler/internal/weather"
	logx "sprinkler/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	clk  clock.Clock

	store   storage.Store
	engine  *engine.Service
	sched   *scheduler.Service
	relays  *relay.Actuator
	sensors *sensor.Providers

	poller     *sensor.Poller
	irrigation *irrigation.Controller
	crud       *crud.Service
	hww        *weather.HWW
	pub        *publish.Publisher
}

// New loads cfgPath and builds every component without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), clk: clock.Real()}
	if err := a.build(cfg); err != nil {
		a.closeAll()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Debug("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	if cfg.MQTT.Enabled {
		client, err := publish.DialMQTT(publish.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, a.log.With(logx.String("comp", "mqtt")))
		if err != nil {
			// The daemon keeps watering without a broker.
			a.log.Warn("mqtt disabled", logx.Err(err))
		} else {
			topic := cfg.MQTT.Topic
			if strings.TrimSpace(topic) == "" {
				topic = config.DefaultMQTTTopic
			}
			a.pub = publish.New(client, topic, a.log)
			a.logs.SetRemoteSink(a.pub)
			a.logs.Apply(mapLogConfig(cfg))
		}
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, a.log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.clk, a.engine, a.log.With(logx.String("comp", "scheduler")))

	if a.relays, err = newActuator(cfg, a.log); err != nil {
		return err
	}
	provs, timeout, err := newSensorProviders(cfg, a.clk)
	if err != nil {
		return err
	}
	a.sensors = provs

	var pub sensor.Publisher
	if a.pub != nil {
		pub = a.pub
	}
	a.poller = sensor.NewPoller(a.sched, a.store, a.sensors, pub, a.bus, a.log)

	rain, hww, err := newRain(cfg, a.clk, timeout, a.log)
	if err != nil {
		return err
	}
	a.hww = hww

	icfg, err := mapIrrigationConfig(cfg)
	if err != nil {
		return err
	}
	a.irrigation = irrigation.NewController(icfg, a.sched, a.store, a.relays, rain, a.clk, a.bus, a.log)

	a.crud = crud.New(a.store, a.relays, a.sensors, a.log)
	a.crud.AddScheduleListener(a.irrigation)
	a.crud.AddSensorListener(a.poller)
	return nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Crud() *crud.Service                { return a.crud }
func (a *App) Irrigation() *irrigation.Controller { return a.irrigation }
func (a *App) Poller() *sensor.Poller             { return a.poller }
func (a *App) Relays() *relay.Actuator            { return a.relays }
func (a *App) Sensors() *sensor.Providers         { return a.sensors }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StartWorkers starts only the task engine. One-off CLI commands use it to
// run a pulse or a poll without registering the stored schedules.
func (a *App) StartWorkers(ctx context.Context) {
	if a.sup == nil {
		a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	}
	a.engine.Start(a.sup.Context())
}

// Start runs the daemon: controllers, inventory sync, weather, MQTT bridge
// and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.StartWorkers(ctx)
	cfg := a.cfgm.Get()

	a.cfgm.SetValidator(func(c context.Context, next *config.Config) error {
		if _, err := mapStorageConfig(next); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(next); err != nil {
			return err
		}
		return validateInventory(c, next.Inventory, a.relays, a.sensors)
	})

	if err := a.irrigation.Start(ctx); err != nil {
		a.log.Warn("some schedules could not be registered", logx.Err(err))
	}
	if err := a.poller.Start(ctx); err != nil {
		a.log.Warn("some sensors could not be registered", logx.Err(err))
	}
	if cfg.Inventory != nil {
		if _, err := a.crud.Sync(ctx, cfg.Inventory); err != nil {
			a.log.Warn("inventory sync incomplete", logx.Err(err))
		}
	}

	if a.hww != nil {
		interval, err := config.DurationOr("weather.interval", cfg.Weather.Interval, config.DefaultWeatherInterval)
		if err != nil {
			return err
		}
		if err := a.hww.Start(a.sched, interval); err != nil {
			return err
		}
		a.sup.Go0("weather.initial", func(c context.Context) { _ = a.hww.Update(c) })
	}

	if a.pub != nil {
		a.sup.Go("publish.bridge", func(c context.Context) error { return a.pub.Bridge(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("timezone", a.sched.Location().String()),
		logx.Int("relay_providers", len(a.relays.Providers())),
		logx.Bool("mqtt", a.pub != nil),
	)
	return nil
}

// logEvent keeps pulse events at info so the journal shows watering activity.
func (a *App) logEvent(e eventbus.Event) {
	switch p := e.Data.(type) {
	case eventbus.Pulse:
		fields := []logx.Field{
			logx.String("type", e.Type),
			logx.String("relay", p.RelayName),
			logx.Duration("duration", p.Duration),
		}
		if p.Explanation != "" {
			fields = append(fields, logx.String("explanation", p.Explanation))
		}
		a.log.Info("pulse event", fields...)
	default:
		a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply hot-reloads what can change live and warns about the rest.
func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed["scheduler"] {
		a.sched.Apply(mapSchedulerConfig(newCfg))
	}
	if changed["task_engine"] {
		if ec, err := mapTaskEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(c, ec)
		}
	}
	if changed["inventory"] && newCfg.Inventory != nil {
		if _, err := a.crud.Sync(c, newCfg.Inventory); err != nil {
			a.log.Warn("inventory sync incomplete", logx.Err(err))
		}
	}

	var restart []string
	for _, s := range sections {
		if config.RestartRequired[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		sort.Strings(restart)
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// step runs one shutdown step bounded by max and the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Stopping the registry cancels running pulses, which switch their relay
	// off before the engine reports them done.
	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("taskengine", 12*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("relays", 2*time.Second, func(context.Context) error { return a.relays.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	a.closeAll()

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// closeAll releases the publisher and storage. It is safe on a partially
// built App.
func (a *App) closeAll() {
	if a.pub != nil {
		a.logs.SetRemoteSink(nil)
		_ = a.pub.Close()
		a.pub = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
