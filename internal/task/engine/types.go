package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrStopped     = errors.New("engine: not running")
	ErrStopping    = errors.New("engine: shutting down")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run still active")
)

// Config sizes the worker pool. Zero values take the defaults below.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds pool tasks without their own Timeout. Dedicated
	// tasks are never given one.
	DefaultTimeout time.Duration

	// MaxQueueDelay discards a task that waited longer than this before a
	// worker took it. 0 keeps every task.
	MaxQueueDelay time.Duration

	HistorySize int
}

const (
	defaultWorkers     = 2
	defaultQueueSize   = 256
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

type OverlapPolicy uint8

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning refuses a task whose RunState is held by a
	// queued or running predecessor.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// ConcurrencyLimit caps pool runs sharing ConcurrencyKey. 0 is no cap.
	ConcurrencyLimit int

	// Dedicated tasks get their own supervised goroutine. Pulses use it so a
	// relay held open for minutes never blocks a pool worker.
	Dedicated bool
}

// Task is run at most once. Errors are logged and recorded, never retried.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	ConcurrencyKey string

	// State is shared by every submission of one logical task. When nil the
	// engine keeps one per ConcurrencyKey, or per Name without a key.
	State *RunState
}

// RunState marks a logical task as queued or running.
type RunState struct {
	busy atomic.Bool
}

func (s *RunState) claim() bool { return s == nil || s.busy.CompareAndSwap(false, true) }

func (s *RunState) free() {
	if s != nil {
		s.busy.Store(false)
	}
}

// Running reports whether a submission currently holds s.
func (s *RunState) Running() bool { return s != nil && s.busy.Load() }

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is the eventbus payload of the task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running   bool
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Dedicated int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
