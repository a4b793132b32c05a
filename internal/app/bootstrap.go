package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/config"
	"sprinkler/internal/irrigation"
	"sprinkler/internal/relay"
	"sprinkler/internal/sensor"
	"sprinkler/internal/storage"
	"sprinkler/internal/task/engine"
	"sprinkler/internal/task/scheduler"
	"sprinkler/internal/weather"
	logx "sprinkler/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Remote: logx.RemoteConfig{
			// The remote sink is MQTT; without a broker there is nothing to send to.
			Enabled:    l.Remote.Enabled && cfg.MQTT.Enabled,
			MinLevel:   l.Remote.MinLevel,
			RatePerSec: l.Remote.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = config.DefaultStorageDriver
	}
	if driver == "none" {
		return storage.Config{}, errors.New("storage.driver=none: the daemon needs a database")
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = config.DefaultStoragePath
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// defaultSensorPolls caps concurrent scheduled sensor polls.
const defaultSensorPolls = 2

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	polls := cfg.Sensors.MaxConcurrentPolls
	if polls <= 0 {
		polls = defaultSensorPolls
	}
	return scheduler.Config{
		Timezone: cfg.Scheduler.Timezone,
		Limits:   map[scheduler.Kind]int{scheduler.KindSensor: polls},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDuration("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapIrrigationConfig(cfg *config.Config) (irrigation.Config, error) {
	ic := cfg.Irrigation
	resume, err := config.DurationOr("irrigation.resume_min_remaining", ic.ResumeMinRemaining, irrigation.DefaultResumeMinRemaining)
	if err != nil {
		return irrigation.Config{}, err
	}
	maxD, err := config.DurationOr("irrigation.max_duration", ic.MaxDuration, irrigation.DefaultMaxDuration)
	if err != nil {
		return irrigation.Config{}, err
	}
	return irrigation.Config{RainPolicy: ic.RainPolicy, ResumeMinRemaining: resume, MaxDuration: maxD}, nil
}

func newActuator(cfg *config.Config, log logx.Logger) (*relay.Actuator, error) {
	timeout, err := config.DurationOr("relays.http_timeout", cfg.Relays.HTTPTimeout, config.DefaultHTTPTimeout)
	if err != nil {
		return nil, err
	}
	return relay.NewActuator(log.With(logx.String("comp", "relay")),
		relay.NewDummy(),
		relay.NewGPIOD(),
		relay.NewTaspow(timeout),
	)
}

func newSensorProviders(cfg *config.Config, clk clock.Clock) (*sensor.Providers, time.Duration, error) {
	timeout, err := config.DurationOr("sensors.http_timeout", cfg.Sensors.HTTPTimeout, config.DefaultHTTPTimeout)
	if err != nil {
		return nil, 0, err
	}
	provs, err := sensor.NewProviders(sensor.NewDummy(clk), sensor.NewHWW(clk, timeout))
	return provs, timeout, err
}

// newRain builds the configured rain service. hww is non-nil only for the
// polling provider; rain is nil for "none".
func newRain(cfg *config.Config, clk clock.Clock, timeout time.Duration, log logx.Logger) (rain irrigation.RainService, hww *weather.HWW, err error) {
	switch p := strings.ToLower(strings.TrimSpace(cfg.Weather.Provider)); p {
	case "", "none":
		return nil, nil, nil
	case "mock":
		return weather.Mock{}, nil, nil
	case "hww":
		h := cfg.Weather.HWW
		hww = weather.NewHWW(sensor.NewHWW(clk, timeout), sensor.HWWConfig{
			Layer:            h.SRILayer,
			SpatialReference: h.SpatialReference,
			X:                h.X,
			Y:                h.Y,
		}, log)
		return hww, hww, nil
	default:
		return nil, nil, fmt.Errorf("weather.provider: unknown provider %q", p)
	}
}

// validateInventory checks provider configs of the declared relays and
// sensors before a reloaded file is committed.
func validateInventory(_ context.Context, inv *config.InventoryConfig, relays *relay.Actuator, sensors *sensor.Providers) error {
	if inv == nil {
		return nil
	}
	var errs []error
	for _, r := range inv.Relays {
		if err := relays.ValidateConfig(r.Provider, r.Config); err != nil {
			errs = append(errs, fmt.Errorf("inventory relay %q: %w", r.Name, err))
		}
	}
	for _, s := range inv.Sensors {
		if err := sensors.ValidateConfig(s.Provider, s.Config); err != nil {
			errs = append(errs, fmt.Errorf("inventory sensor %q: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured database for read-only CLI commands that
// do not need the rest of the daemon.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

// CheckConfig runs every check the daemon performs at startup that does not
// touch storage or devices.
func CheckConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapIrrigationConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	relays, err := newActuator(cfg, logx.Nop())
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	sensors, timeout, err := newSensorProviders(cfg, clock.Real())
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if _, _, err := newRain(cfg, clock.Real(), timeout, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, validateInventory(context.Background(), cfg.Inventory, relays, sensors))
	return errors.Join(errs...)
}
