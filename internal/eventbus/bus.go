// Package eventbus is an in-memory fanout used to decouple the controllers
// from their observers (MQTT bridge, logs, tests).
package eventbus

import (
	"slices"
	"sync"
	"time"
)

// Event types published by the daemon.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	PulseStarted  = "pulse.started"
	PulseFinished = "pulse.finished"
	PulseSkipped  = "pulse.skipped"

	SensorPolled   = "sensor.polled"
	ConfigReloaded = "config.reloaded"
)

// Event is one in-memory notification. Data holds the typed payload of the
// event type (Pulse, TaskEvent, Polled and so on).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus { return &fanout{} }

// Emit publishes on bus when it is non-nil.
func Emit(bus Bus, typ string, data any) {
	if bus != nil {
		bus.Publish(Event{Type: typ, Time: time.Now(), Data: data})
	}
}

type subscriber struct {
	ch chan Event
}

type fanout struct {
	// RWMutex: Publish sends under the read lock so an unsubscribe cannot
	// close a channel that is being sent on.
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s) }) }
}

func (b *fanout) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.subs, s); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
	}
	close(s.ch)
}

// Pulse is the payload of the pulse.* events.
type Pulse struct {
	HandleID    string
	ScheduleID  int64 // 0 for manual pulses
	RelayID     int64
	RelayName   string
	Duration    time.Duration
	Explanation string
	// Completed is false when the pulse was canceled before its duration elapsed.
	Completed bool
	Err       string
}
