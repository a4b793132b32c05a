package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sprinkler/internal/task/cronexpr"
	logx "sprinkler/pkg/logx"
)

// Defaults applied when the corresponding field is empty.
const (
	DefaultStorageDriver   = "sqlite"
	DefaultStoragePath     = "./sprinkler.db"
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultWeatherInterval = 10 * time.Minute
	DefaultMQTTTopic       = "sprinkler"
)

// Validate checks everything that can be checked without opening storage
// or contacting devices. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Remote.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.remote.min_level: unknown level %q", lvl))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "none":
	default:
		add(fmt.Errorf("storage.driver: unsupported driver %q", d))
	}
	_, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if _, err := cronexpr.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		add(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	_, err = ParseDuration("task_engine.default_timeout", te.DefaultTimeout)
	add(err)
	_, err = ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay)
	add(err)

	_, err = ParseDuration("irrigation.resume_min_remaining", cfg.Irrigation.ResumeMinRemaining)
	add(err)
	_, err = ParseDuration("irrigation.max_duration", cfg.Irrigation.MaxDuration)
	add(err)
	_, err = ParseDuration("relays.http_timeout", cfg.Relays.HTTPTimeout)
	add(err)
	_, err = ParseDuration("sensors.http_timeout", cfg.Sensors.HTTPTimeout)
	add(err)
	if cfg.Sensors.MaxConcurrentPolls < 0 {
		add(errors.New("sensors.max_concurrent_polls must be >= 0"))
	}

	switch p := strings.ToLower(strings.TrimSpace(cfg.Weather.Provider)); p {
	case "", "none", "mock", "hww":
	default:
		add(fmt.Errorf("weather.provider: unknown provider %q (none, mock, hww)", p))
	}
	if iv, err := ParseDuration("weather.interval", cfg.Weather.Interval); err != nil {
		add(err)
	} else if iv > 0 && iv < time.Minute {
		add(errors.New("weather.interval must be at least 1m"))
	}

	if cfg.MQTT.Enabled && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		add(errors.New("mqtt.broker is required when mqtt.enabled"))
	}
	if strings.ContainsAny(cfg.MQTT.Topic, "#+") {
		add(errors.New("mqtt.topic must not contain wildcards"))
	}

	if cfg.Inventory != nil {
		add(validateInventory(cfg.Inventory))
	}
	return errors.Join(errs...)
}

// validateInventory checks names and references inside the inventory. Field
// level rules (lengths, providers, cron syntax) are enforced when syncing.
func validateInventory(inv *InventoryConfig) error {
	var errs []error
	relays := map[string]bool{}
	for i, r := range inv.Relays {
		if relays[r.Name] {
			errs = append(errs, fmt.Errorf("inventory.relays[%d]: duplicate name %q", i, r.Name))
		}
		relays[r.Name] = true
	}
	sensors := map[string]bool{}
	for i, s := range inv.Sensors {
		if sensors[s.Name] {
			errs = append(errs, fmt.Errorf("inventory.sensors[%d]: duplicate name %q", i, s.Name))
		}
		sensors[s.Name] = true
	}
	schedules := map[string]bool{}
	for i, s := range inv.Schedules {
		path := fmt.Sprintf("inventory.schedules[%d]", i)
		if schedules[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", path, s.Name))
		}
		schedules[s.Name] = true
		if !relays[s.Relay] {
			errs = append(errs, fmt.Errorf("%s: unknown relay %q", path, s.Relay))
		}
		if s.Sensor != "" && !sensors[s.Sensor] {
			errs = append(errs, fmt.Errorf("%s: unknown sensor %q", path, s.Sensor))
		}
		d, err := ParseDuration(path+".duration", s.Duration)
		if err != nil {
			errs = append(errs, err)
		} else if d%time.Second != 0 {
			errs = append(errs, fmt.Errorf("%s.duration: must be whole seconds", path))
		}
	}
	return errors.Join(errs...)
}
