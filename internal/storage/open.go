package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "sprinkler/pkg/logx"
)

type RelayStore interface {
	CreateRelay(ctx context.Context, r *Relay) error
	UpdateRelay(ctx context.Context, r *Relay) error
	DeleteRelay(ctx context.Context, id int64) error
	GetRelay(ctx context.Context, id int64) (Relay, error)
	GetRelayByName(ctx context.Context, name string) (Relay, error)
	ListRelays(ctx context.Context) ([]Relay, error)
}

type SensorStore interface {
	CreateSensor(ctx context.Context, s *Sensor) error
	UpdateSensor(ctx context.Context, s *Sensor) error
	DeleteSensor(ctx context.Context, id int64) error
	GetSensor(ctx context.Context, id int64) (Sensor, error)
	GetSensorByName(ctx context.Context, name string) (Sensor, error)
	ListSensors(ctx context.Context) ([]Sensor, error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	UpdateSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	GetSchedule(ctx context.Context, id int64) (Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
}

type HistoryStore interface {
	// AppendSensorValue inserts v and prunes values older than RetentionCutoff(v.At).
	AppendSensorValue(ctx context.Context, v *SensorValue) error
	// RecentSensorValues returns up to n values of a sensor, newest first.
	RecentSensorValues(ctx context.Context, sensorID int64, n int) ([]SensorValue, error)
	// AppendScheduleLog inserts l and prunes logs older than RetentionCutoff(l.Start).
	AppendScheduleLog(ctx context.Context, l *ScheduleLog) error
	// RecentScheduleLogs returns up to n logs, newest first. scheduleID 0 means all.
	RecentScheduleLogs(ctx context.Context, scheduleID int64, n int) ([]ScheduleLog, error)
}

// Store is the persistence API used by crud, the controllers and the CLI.
type Store interface {
	RelayStore
	SensorStore
	ScheduleStore
	HistoryStore
	Close() error
}

// Open initializes the configured store. It returns ErrDisabled when storage
// is turned off: the daemon cannot run without it.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "sqlite", "sqlite3":
		if cfg.BusyTimeout <= 0 {
			cfg.BusyTimeout = 5 * time.Second
		}
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
