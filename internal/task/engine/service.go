package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sprinkler/internal/eventbus"
	rtsup "sprinkler/internal/runtime/supervisor"
	logx "sprinkler/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

// Service runs tasks on a fixed worker pool, or on a dedicated supervised
// goroutine per task when TaskOptions.Dedicated is set.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu   sync.Mutex
	cfg  Config
	pool *pool

	statesMu sync.Mutex
	states   map[string]*RunState

	groups gates
	stats  stats
	seq    atomic.Uint64
}

// pool is one Start..Stop lifetime of the workers.
type pool struct {
	queue   chan queuedTask
	sup     *rtsup.Supervisor
	quit    chan struct{}
	stopped chan struct{}
	closing bool
}

type queuedTask struct {
	task     Task
	queuedAt time.Time
	timeout  time.Duration
	// held is the RunState claimed at submit, released after the run.
	held *RunState
}

func (qt queuedTask) done() { qt.held.free() }

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		log:    log,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		states: map[string]*RunState{},
		stats: stats{
			queueFullWarn: rate.Sometimes{Interval: dropWarnEvery},
			staleWarn:     rate.Sometimes{Interval: dropWarnEvery},
		},
	}
}

// Apply takes effect for the next task; a changed pool size restarts the
// workers, which cancels what they are running.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	resize := s.pool != nil && !s.pool.closing &&
		(s.cfg.Workers != cfg.Workers || s.cfg.QueueSize != cfg.QueueSize)
	s.cfg = cfg
	s.mu.Unlock()

	if resize {
		s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. Calling it on a running engine is a no-op; on
// a stopping one it first waits for the stop to finish.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.pool != nil {
		p, closing := s.pool, s.pool.closing
		s.mu.Unlock()
		if !closing {
			return
		}
		select {
		case <-p.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}

	cfg := s.cfg
	p := &pool{
		queue:   make(chan queuedTask, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
			rtsup.WithCancelOnError(false),
		),
	}
	s.pool = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p)
			if c.Err() != nil {
				return c.Err()
			}
			select {
			case <-p.quit:
				return context.Canceled
			default:
				return errors.New("worker returned")
			}
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels every running task and waits until workers and dedicated
// tasks have returned or ctx expires. Queued tasks are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.closing
	if first {
		p.closing = true
		close(p.quit)
	}
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			// Release the RunStates of discarded tasks so a restarted
			// pool does not skip their next submission.
			for len(p.queue) > 0 {
				(<-p.queue).done()
			}
			for _, qt := range s.groups.drain() {
				qt.done()
			}
			s.mu.Lock()
			if s.pool == p {
				s.pool = nil
			}
			s.mu.Unlock()
			close(p.stopped)
		}()
	}

	select {
	case <-p.stopped:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue never blocks: a full queue drops the task with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Run == nil:
		return errors.New("engine: task has no Run func")
	case t.Name == "":
		return errors.New("engine: task has no Name")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("t%d.%d", now.Unix(), s.seq.Add(1))
	}

	s.mu.Lock()
	p, cfg := s.pool, s.cfg
	closing := p != nil && p.closing
	s.mu.Unlock()
	if p == nil {
		return ErrStopped
	}
	if closing {
		return ErrStopping
	}

	qt := queuedTask{task: t, queuedAt: now, timeout: t.Timeout}
	if qt.timeout <= 0 && !t.Opt.Dedicated {
		qt.timeout = cfg.DefaultTimeout
	}
	if t.Opt.Overlap == OverlapSkipIfRunning {
		st := t.State
		if st == nil {
			st = s.sharedState(groupKey(t.ConcurrencyKey, t.Name))
		}
		if !st.claim() {
			eventbus.Emit(s.bus, eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped, previous run active", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		qt.held = st
	}

	if t.Opt.Dedicated {
		return s.runDedicated(p, qt)
	}
	if !wait {
		select {
		case p.queue <- qt:
			return nil
		default:
			qt.done()
			s.dropQueueFull(now, t, cap(p.queue))
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.done()
		return ctx.Err()
	case <-p.quit:
		qt.done()
		return ErrStopping
	}
}

func (s *Service) runDedicated(p *pool, qt queuedTask) error {
	// mu is held across Go so Stop cannot start waiting before the goroutine
	// is registered with the supervisor.
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.closing {
		qt.done()
		return ErrStopping
	}
	s.stats.dedicated.Add(1)
	p.sup.Go("task."+qt.task.Name, func(ctx context.Context) error {
		defer s.stats.dedicated.Add(-1)
		s.execute(ctx, qt)
		return nil
	})
	return nil
}

func (s *Service) sharedState(key string) *RunState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}
