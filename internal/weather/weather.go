// Package weather provides the rain service consulted by the rain policy.
package weather

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sprinkler/internal/sensor"
	"sprinkler/internal/task/scheduler"
	logx "sprinkler/pkg/logx"
)

// RainService reports recent rain.
type RainService interface {
	ID() string
	Raining() bool
	// LastReading is the newest rain height. ok is false before the first reading.
	LastReading() (value int, ok bool)
}

// Mock reports a fixed dry reading.
type Mock struct{}

func (Mock) ID() string               { return "mock" }
func (Mock) Raining() bool            { return false }
func (Mock) LastReading() (int, bool) { return 100, true }

const historySize = 10

// Querier obtains one rain reading.
type Querier interface {
	Query(ctx context.Context, c sensor.HWWConfig) (sensor.Reading, error)
}

// Registry is the subset of the task registry the poller uses.
type Registry interface {
	Replace(key scheduler.Key, expr, name string, task scheduler.TaskFunc) error
	CancelAll(key scheduler.Key) int
}

// Key is the registry key of the weather poll.
var Key = scheduler.Key{Kind: scheduler.KindWeather}

// HWW polls the Hamburg Wasser rain service and keeps the newest readings.
type HWW struct {
	q   Querier
	cfg sensor.HWWConfig
	log logx.Logger

	mu       sync.RWMutex
	readings []sensor.Reading // newest first
}

func NewHWW(q Querier, cfg sensor.HWWConfig, log logx.Logger) *HWW {
	return &HWW{q: q, cfg: cfg, log: log.With(logx.String("comp", "weather"))}
}

func (h *HWW) ID() string { return "hww" }

// Start registers the periodic update under Key. interval <= 0 means 10m.
func (h *HWW) Start(reg Registry, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	expr := "@every " + interval.String()
	if err := reg.Replace(Key, expr, "weather.hww", h.Update); err != nil {
		return fmt.Errorf("weather: %w", err)
	}
	h.log.Info("started HWW updater", logx.Duration("interval", interval))
	return nil
}

// Update fetches one reading and prepends it to the history.
func (h *HWW) Update(ctx context.Context) error {
	r, err := h.q.Query(ctx, h.cfg)
	if err != nil {
		h.log.Warn("rain update failed", logx.Err(err))
		return err
	}
	h.mu.Lock()
	h.readings = append([]sensor.Reading{r}, h.readings...)
	if len(h.readings) > historySize {
		h.readings = h.readings[:historySize]
	}
	summary := summarize(h.readings)
	h.mu.Unlock()
	h.log.Info("rain updated", logx.Int("value", r.Value), logx.Time("at", r.At), logx.String("history", summary))
	return nil
}

// Raining reports whether the newest reading exceeds the one before it.
func (h *HWW) Raining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.readings) < 2 {
		return false
	}
	return h.readings[0].Value > h.readings[1].Value
}

func (h *HWW) LastReading() (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.readings) == 0 {
		return 0, false
	}
	return h.readings[0].Value, true
}

// Readings returns a copy of the history, newest first.
func (h *HWW) Readings() []sensor.Reading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]sensor.Reading(nil), h.readings...)
}

func summarize(rs []sensor.Reading) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%d@%s", r.Value, r.At.Format("15:04")))
	}
	return strings.Join(parts, " ")
}
