package config

// Config is the daemon configuration file (YAML or JSON).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Irrigation IrrigationConfig `json:"irrigation"`
	Relays     RelaysConfig     `json:"relays"`
	Sensors    SensorsConfig    `json:"sensors"`
	Weather    WeatherConfig    `json:"weather"`
	MQTT       MQTTConfig       `json:"mqtt"`

	// Inventory declares relays, sensors and schedules. When present it is
	// synced into storage at startup and on every reload.
	Inventory *InventoryConfig `json:"inventory,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards warn+ lines to the MQTT log topic.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the sqlite database.
//
// Example:
//
//	storage: { driver: sqlite, path: ./sprinkler.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type SchedulerConfig struct {
	// Timezone cron expressions are evaluated in. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool running fire and poll tasks.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type IrrigationConfig struct {
	// RainPolicy applies the weather service to schedules with a rain factor.
	RainPolicy         bool   `json:"rain_policy"`
	ResumeMinRemaining string `json:"resume_min_remaining,omitempty"` // default 10s
	MaxDuration        string `json:"max_duration,omitempty"`         // default 10h
}

type RelaysConfig struct {
	HTTPTimeout string `json:"http_timeout,omitempty"` // taspow, default 10s
}

type SensorsConfig struct {
	HTTPTimeout        string `json:"http_timeout,omitempty"` // hww-gis, default 10s
	MaxConcurrentPolls int    `json:"max_concurrent_polls,omitempty"`
}

type WeatherConfig struct {
	// Provider is "none" (default), "mock" or "hww".
	Provider string           `json:"provider,omitempty"`
	Interval string           `json:"interval,omitempty"` // default 10m
	HWW      WeatherHWWConfig `json:"hww"`
}

// WeatherHWWConfig locates the point queried on the rain radar layer.
type WeatherHWWConfig struct {
	SRILayer         int     `json:"sri_layer"`
	SpatialReference int     `json:"spatial_reference"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	// Topic is the prefix for sensor values, pulses and log lines.
	Topic string `json:"topic"`
}

type InventoryConfig struct {
	// Prune deletes stored rows that are not declared here.
	Prune     bool           `json:"prune,omitempty"`
	Relays    []RelaySpec    `json:"relays"`
	Sensors   []SensorSpec   `json:"sensors"`
	Schedules []ScheduleSpec `json:"schedules"`
}

type RelaySpec struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Config   string `json:"config"`
}

type SensorSpec struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Config   string `json:"config"`
	Cron     string `json:"cron,omitempty"`
}

// ScheduleSpec references its relay and sensor by name.
type ScheduleSpec struct {
	Name              string `json:"name"`
	Enabled           *bool  `json:"enabled,omitempty"` // default true
	Relay             string `json:"relay"`
	Duration          string `json:"duration"` // Go duration string, whole seconds
	Sensor            string `json:"sensor,omitempty"`
	SensorInfluence   int    `json:"sensor_influence,omitempty"`
	SensorChangeLimit int    `json:"sensor_change_limit,omitempty"`
	RainFactor        int    `json:"rain_factor,omitempty"`
	Cron              string `json:"cron"`
}

// IsEnabled reports the effective enabled flag.
func (s ScheduleSpec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }
