package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"sprinkler/internal/task/cronexpr"
	"sprinkler/internal/task/engine"
	logx "sprinkler/pkg/logx"
)

// RegisterRecurring replaces the recurring registration of key. The
// expression is parsed first: on error the previous registration is left
// untouched. A blank expression leaves the key without a recurring
// registration. Pending one-shots are not affected.
func (s *Service) RegisterRecurring(key Key, expr, name string, task TaskFunc) error {
	return s.register(key, expr, name, task, false)
}

// Replace cancels everything registered under key, then registers expr, as
// one step under the key's lock.
func (s *Service) Replace(key Key, expr, name string, task TaskFunc) error {
	return s.register(key, expr, name, task, true)
}

func (s *Service) register(key Key, expr, name string, task TaskFunc, cancelOneShots bool) error {
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		name = key.String()
	}

	e := s.lockEntry(key, true)
	defer s.releaseEntry(e)
	if s.isStopped() {
		return ErrStopped
	}
	if cancelOneShots {
		s.cancelAllLocked(e)
	} else {
		s.cancelRecurringLocked(e)
	}
	if sched.Never() {
		s.log.Debug("trigger cleared", logx.String("key", key.String()))
		return nil
	}

	ctx, cancel := context.WithCancel(s.base)
	r := &registration{
		name:   name,
		sched:  sched,
		task:   task,
		ctx:    ctx,
		cancel: cancel,
		state:  &engine.RunState{},
	}
	e.recurring = r
	s.armLocked(e, r)

	args := []logx.Field{logx.String("key", key.String()), logx.String("name", name), logx.String("expr", sched.Expr())}
	if s.log.Enabled(logx.LevelDebug) {
		args = append(args, logx.String("next", s.previewNext(sched, 3)))
	}
	s.log.Debug("trigger registered", args...)
	return nil
}

// RegisterOneShot runs task once after delay (immediately when delay <= 0).
// Registration is refused with ErrCanceled when owner is already done, so a
// canceled fire can never start a new run.
func (s *Service) RegisterOneShot(owner context.Context, key Key, delay time.Duration, name string, task TaskFunc) (*Handle, error) {
	if strings.TrimSpace(name) == "" {
		name = key.String()
	}
	e := s.lockEntry(key, true)
	defer s.releaseEntry(e)
	if s.isStopped() {
		return nil, ErrStopped
	}
	if owner != nil && owner.Err() != nil {
		return nil, ErrCanceled
	}
	if delay < 0 {
		delay = 0
	}

	ctx, cancel := context.WithCancel(s.base)
	h := &Handle{
		ID:     uuid.NewString(),
		Name:   name,
		Key:    key,
		At:     s.clk.Now().Add(delay),
		entry:  e,
		task:   task,
		ctx:    ctx,
		cancel: cancel,
		svc:    s,
		done:   make(chan struct{}),
	}
	e.oneShots[h] = struct{}{}
	h.timer = s.clk.AfterFunc(delay, func() { s.fireOneShot(h) })
	s.log.Debug("one-shot registered", logx.String("key", key.String()), logx.String("name", name), logx.String("handle", h.ID), logx.Duration("delay", delay))
	return h, nil
}

// CancelAll cancels the recurring registration and every one-shot of key and
// returns how many were canceled. Unknown keys are a no-op. Running one-shots
// are interrupted through their context and stay pending until they return.
func (s *Service) CancelAll(key Key) int {
	e := s.lockEntry(key, false)
	if e == nil {
		return 0
	}
	n := s.cancelAllLocked(e)
	s.releaseEntry(e)
	if n > 0 {
		s.log.Debug("registrations canceled", logx.String("key", key.String()), logx.Int("count", n))
	}
	return n
}

// Pending counts one-shots of key that are waiting or still running.
func (s *Service) Pending(key Key) int {
	e := s.lockEntry(key, false)
	if e == nil {
		return 0
	}
	n := len(e.oneShots)
	e.mu.Unlock()
	return n
}

func (s *Service) HasRecurring(key Key) bool {
	e := s.lockEntry(key, false)
	if e == nil {
		return false
	}
	ok := e.recurring != nil
	e.mu.Unlock()
	return ok
}

// Next returns the planned fire time of key's recurring registration.
func (s *Service) Next(key Key) (time.Time, bool) {
	e := s.lockEntry(key, false)
	if e == nil {
		return time.Time{}, false
	}
	defer e.mu.Unlock()
	if e.recurring == nil || e.recurring.next.IsZero() {
		return time.Time{}, false
	}
	return e.recurring.next, true
}

func (s *Service) cancelAllLocked(e *entry) int {
	n := 0
	if s.cancelRecurringLocked(e) {
		n++
	}
	for h := range e.oneShots {
		s.cancelHandleLocked(e, h)
		n++
	}
	return n
}

func (s *Service) cancelRecurringLocked(e *entry) bool {
	r := e.recurring
	if r == nil {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
	e.recurring = nil
	return true
}

func (s *Service) cancelHandleLocked(e *entry, h *Handle) {
	h.cancel()
	if h.started {
		// The run removes itself when it returns.
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(e.oneShots, h)
	h.finish()
}

// armLocked plans the next fire of r strictly after max(now, last planned).
func (s *Service) armLocked(e *entry, r *registration) {
	from := s.clk.Now()
	if r.next.After(from) {
		from = r.next
	}
	next, ok := r.sched.Next(from.In(s.Location()))
	if !ok {
		r.next = time.Time{}
		r.timer = nil
		return
	}
	r.next = next
	r.timer = s.clk.AfterFunc(next.Sub(s.clk.Now()), func() { s.fire(e, r) })
}

func (s *Service) fire(e *entry, r *registration) {
	e.mu.Lock()
	// Identity check drops callbacks of replaced or canceled registrations.
	if e.dead || e.recurring != r || r.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	r.prev = r.next
	s.armLocked(e, r)
	ctx := r.ctx
	kind := e.key.Kind
	e.mu.Unlock()

	err := s.exec.Submit(ctx, engine.Task{
		Name: r.name,
		Opt: engine.TaskOptions{
			Overlap:          engine.OverlapSkipIfRunning,
			ConcurrencyLimit: s.limit(kind),
		},
		ConcurrencyKey: string(kind),
		State:          r.state,
		Run:            bind(ctx, r.task),
	})
	if err != nil && ctx.Err() == nil {
		s.dispatchFailed(e, r.name, err)
	}
}

func (s *Service) fireOneShot(h *Handle) {
	e := h.entry
	e.mu.Lock()
	if _, ok := e.oneShots[h]; !ok || h.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	h.started = true
	e.mu.Unlock()

	run := bind(h.ctx, h.task)
	err := s.exec.Submit(h.ctx, engine.Task{
		ID:   h.ID,
		Name: h.Name,
		Opt:  engine.TaskOptions{Dedicated: true},
		Run: func(ctx context.Context) error {
			defer s.finishOneShot(h)
			return run(ctx)
		},
	})
	if err != nil {
		if h.ctx.Err() == nil {
			s.dispatchFailed(e, h.Name, err)
		}
		s.finishOneShot(h)
	}
}

func (s *Service) finishOneShot(h *Handle) {
	e := h.entry
	e.mu.Lock()
	delete(e.oneShots, h)
	h.finish()
	s.releaseEntry(e)
}

const dispatchWarnEvery = 5 * time.Second

// dispatchFailed logs a task the engine refused. An overlap skip means the
// previous run of the same key is still going, which is expected.
func (s *Service) dispatchFailed(e *entry, name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped, previous run still active", logx.String("task", name))
		return
	}
	e.warn.Do(func() {
		s.log.Warn("trigger could not dispatch task", logx.String("task", name), logx.String("key", e.key.String()), logx.Err(err))
	})
}

// bind runs task under a context canceled by either the worker or the
// registration. The run context derives from the registration, so it is done
// as soon as a cancel returns. A registration canceled before the worker
// picks the task up makes the run a no-op.
func bind(reg context.Context, task TaskFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if reg.Err() != nil {
			return nil
		}
		runCtx, cancel := context.WithCancel(reg)
		stop := context.AfterFunc(ctx, cancel)
		defer func() {
			stop()
			cancel()
		}()
		return task(runCtx)
	}
}

func (s *Service) previewNext(sched cronexpr.Schedule, n int) string {
	from := s.clk.Now().In(s.Location())
	var b strings.Builder
	for i := 0; i < n; i++ {
		next, ok := sched.Next(from)
		if !ok {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(next.Format("2006-01-02 15:04:05"))
		from = next
	}
	return b.String()
}
