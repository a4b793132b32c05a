package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "sprinkler/pkg/logx"
)

// RestartRequired lists sections whose changes only apply after a restart.
var RestartRequired = map[string]bool{
	"storage":    true,
	"irrigation": true,
	"relays":     true,
	"sensors":    true,
	"weather":    true,
	"mqtt":       true,
}

// SummarizeConfigChange returns a compact sorted list of changed sections and
// safe structured fields for logging. Secrets (mqtt password) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Irrigation, newCfg.Irrigation) {
		changed = append(changed, "irrigation")
		attrs = append(attrs,
			logx.Bool("irrigation.rain_policy", newCfg.Irrigation.RainPolicy),
			logx.String("irrigation.max_duration", newCfg.Irrigation.MaxDuration),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relays, newCfg.Relays) {
		changed = append(changed, "relays")
	}
	if !reflect.DeepEqual(oldCfg.Sensors, newCfg.Sensors) {
		changed = append(changed, "sensors")
	}
	if !reflect.DeepEqual(oldCfg.Weather, newCfg.Weather) {
		changed = append(changed, "weather")
		attrs = append(attrs, logx.String("weather.provider", newCfg.Weather.Provider))
	}

	oM, nM := oldCfg.MQTT, newCfg.MQTT
	if oM.Enabled != nM.Enabled || oM.Broker != nM.Broker || oM.ClientID != nM.ClientID ||
		oM.Username != nM.Username || oM.Topic != nM.Topic || oM.Password != nM.Password {
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.Bool("mqtt.enabled", nM.Enabled),
			logx.String("mqtt.broker", nM.Broker),
			logx.String("mqtt.topic", nM.Topic),
			logx.Bool("mqtt.password_set", nM.Password != ""),
		)
	}

	if canonicalHashJSON(oldCfg.Inventory) != canonicalHashJSON(newCfg.Inventory) {
		changed = append(changed, "inventory")
		if inv := newCfg.Inventory; inv != nil {
			attrs = append(attrs,
				logx.Int("inventory.relays", len(inv.Relays)),
				logx.Int("inventory.sensors", len(inv.Sensors)),
				logx.Int("inventory.schedules", len(inv.Schedules)),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

func canonicalHashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
