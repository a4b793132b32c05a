package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled           = errors.New("storage disabled")
	ErrNotFound           = errors.New("record not found")
	ErrOptimisticConflict = errors.New("record was modified concurrently")
	ErrDuplicateName      = errors.New("name already in use")
)

// RetentionMonths bounds sensor values and schedule logs.
const RetentionMonths = 2

// RetentionCutoff returns the oldest instant kept when writing at now.
func RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, -RetentionMonths, 0)
}

// Config configures storage. Only the "sqlite" driver is supported; empty or
// "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type Relay struct {
	ID         int64
	Version    int64
	Name       string
	ProviderID string
	Config     string
}

type Sensor struct {
	ID         int64
	Version    int64
	Name       string
	ProviderID string
	Config     string
	Cron       string
}

type Schedule struct {
	ID                int64
	Version           int64
	Name              string
	Enabled           bool
	RelayID           int64
	DurationSeconds   int
	SensorID          *int64
	SensorInfluence   int
	SensorChangeLimit int
	RainFactor        int
	Cron              string
}

// Duration is the configured watering time.
func (s Schedule) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

type SensorValue struct {
	ID       int64
	SensorID int64
	At       time.Time
	Value    int
}

type ScheduleLog struct {
	ID             int64
	ScheduleID     int64
	RelayName      string
	Start          time.Time
	DurationMillis int64
}
