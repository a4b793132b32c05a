package irrigation

import (
	"context"
	"fmt"
	"time"

	"sprinkler/internal/storage"
)

const influenceDivisor = 100

// AdjustForRain shortens a duration by the last rain height. A factor of 0
// disables the policy; ongoing rain skips watering entirely.
func AdjustForRain(durationMillis int64, rainFactor int, raining bool, lastRain int) int64 {
	if rainFactor == 0 {
		return durationMillis
	}
	if raining {
		return 0
	}
	sec := durationMillis / 1000
	return max(0, sec-int64(lastRain)*int64(rainFactor)/influenceDivisor) * 1000
}

// AdjustForSensor shortens a duration by the last sensor reading. readings
// are newest first; only the first two are used. hasSensor is false when the
// schedule has no sensor attached.
func AdjustForSensor(durationMillis int64, hasSensor bool, influence, changeLimit int, readings []int) (int64, string) {
	if !hasSensor {
		return durationMillis, "Unmodified duration as no sensor is configured"
	}
	if influence == 0 {
		return durationMillis, "Unmodified duration as sensor is ignored (sensorInfluence is 0)"
	}
	change := 0
	if len(readings) >= 2 {
		change = readings[0] - readings[1]
	}
	if change > changeLimit {
		return 0, fmt.Sprintf("Zero as sensorChange is greater than sensorChangeLimit: %d > %d", change, changeLimit)
	}
	last := 0
	if len(readings) > 0 {
		last = readings[0]
	}
	sec := durationMillis / 1000
	adjusted := max(0, sec-int64(last)*int64(influence)/influenceDivisor) * 1000
	return adjusted, fmt.Sprintf("duration - lastSensorValue x sensorInfluence / %d = %d - %d x %d / %d",
		influenceDivisor, sec, last, influence, influenceDivisor)
}

// SensorValues reads recent sensor values, newest first.
type SensorValues interface {
	RecentSensorValues(ctx context.Context, sensorID int64, n int) ([]storage.SensorValue, error)
}

// RainService is the rain source used by the rain policy.
type RainService interface {
	Raining() bool
	LastReading() (int, bool)
}

// Adjuster computes the effective duration of a schedule run. The sensor
// policy always applies; the rain policy only when enabled, the schedule has
// a rain factor and a rain service is configured.
type Adjuster struct {
	Values     SensorValues
	Rain       RainService
	RainPolicy bool
}

// Effective returns the duration in milliseconds and a human readable
// explanation. A result <= 0 means the run is skipped.
func (a *Adjuster) Effective(ctx context.Context, s storage.Schedule) (int64, string, error) {
	ms := s.Duration().Milliseconds()

	var readings []int
	if s.SensorID != nil && s.SensorInfluence != 0 {
		vals, err := a.Values.RecentSensorValues(ctx, *s.SensorID, 2)
		if err != nil {
			return 0, "", fmt.Errorf("sensor values: %w", err)
		}
		for _, v := range vals {
			readings = append(readings, v.Value)
		}
	}
	ms, expl := AdjustForSensor(ms, s.SensorID != nil, s.SensorInfluence, s.SensorChangeLimit, readings)

	if a.RainPolicy && s.RainFactor > 0 && a.Rain != nil && ms > 0 {
		last, _ := a.Rain.LastReading()
		raining := a.Rain.Raining()
		before := ms
		ms = AdjustForRain(ms, s.RainFactor, raining, last)
		switch {
		case raining:
			expl += "; zero as it is raining"
		case ms != before:
			expl += fmt.Sprintf("; rain: %d - %d x %d / %d", before/1000, last, s.RainFactor, influenceDivisor)
		}
	}
	return ms, expl, nil
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
