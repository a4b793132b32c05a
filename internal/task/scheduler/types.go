package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sprinkler/internal/clock"
	"sprinkler/internal/task/cronexpr"
	"sprinkler/internal/task/engine"
)

var (
	// ErrCanceled is returned when the owner of a one-shot is already canceled.
	ErrCanceled = errors.New("scheduler: owner canceled")
	ErrStopped  = errors.New("scheduler: stopped")
)

// Kind namespaces registry keys so a schedule and a sensor with the same id
// never share an entry.
type Kind string

const (
	KindSchedule Kind = "schedule"
	KindSensor   Kind = "sensor"
	KindRelay    Kind = "relay"
	KindWeather  Kind = "weather"
)

type Key struct {
	Kind Kind
	ID   int64
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.ID) }

// Config controls trigger evaluation.
type Config struct {
	Timezone string // IANA TZ, empty = Local

	// Limits caps concurrent recurring runs per Kind through the engine's
	// concurrency groups. Missing or 0 means no cap.
	Limits map[Kind]int
}

// Executor runs dispatched work. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

// TaskFunc is the work bound to a registration.
type TaskFunc func(ctx context.Context) error

type entry struct {
	mu        sync.Mutex
	key       Key
	dead      bool
	recurring *registration
	oneShots  map[*Handle]struct{}

	// warn throttles "dispatch failed" logs for this key.
	warn rate.Sometimes
}

type registration struct {
	name   string
	sched  cronexpr.Schedule
	task   TaskFunc
	ctx    context.Context
	cancel context.CancelFunc
	timer  clock.Timer
	next   time.Time
	prev   time.Time
	state  *engine.RunState
}

// Handle is a pending or running one-shot.
type Handle struct {
	ID   string
	Name string
	Key  Key
	At   time.Time

	entry    *entry
	task     TaskFunc
	ctx      context.Context
	cancel   context.CancelFunc
	timer    clock.Timer
	started  bool
	svc      *Service
	done     chan struct{}
	doneOnce sync.Once
}

// Cancel stops a pending one-shot or interrupts a running one. Idempotent.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	e := h.entry
	e.mu.Lock()
	h.svc.cancelHandleLocked(e, h)
	h.svc.releaseEntry(e)
}

// Done is closed once the one-shot has returned or was canceled before it started.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) finish() {
	h.doneOnce.Do(func() {
		h.cancel()
		close(h.done)
	})
}

// EntryInfo is one row of Snapshot.
type EntryInfo struct {
	Key     Key
	Name    string
	Expr    string
	Next    time.Time
	Prev    time.Time
	Pending int
}

type Snapshot struct {
	Timezone string
	Entries  []EntryInfo
	Engine   engine.Snapshot
}
