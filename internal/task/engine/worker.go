package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"sprinkler/internal/eventbus"
	logx "sprinkler/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool) {
	for {
		// Stop wins over a non-empty queue.
		if p.stopping(ctx) {
			return
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qt = <-p.queue:
		}

		g := s.groups.lookup(groupKey(qt.task.ConcurrencyKey, qt.task.Name), qt.task.Opt.ConcurrencyLimit)
		ok, err := g.enter(qt, cap(p.queue))
		if err != nil {
			qt.done()
			s.dropQueueFull(time.Now(), qt.task, cap(p.queue))
			continue
		}
		if !ok {
			// Parked on the gate; the run that frees the slot picks it up.
			continue
		}
		for {
			s.stats.inFlight.Add(1)
			s.execute(ctx, qt)
			s.stats.inFlight.Add(-1)
			next, handed := g.leave()
			if !handed {
				break
			}
			if p.stopping(ctx) {
				g.requeue(next)
				return
			}
			qt = next
		}
	}
}

func (p *pool) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (s *Service) execute(ctx context.Context, qt queuedTask) {
	defer qt.done()
	t := qt.task

	start := time.Now()
	var delay time.Duration
	if !t.Opt.Dedicated {
		delay = max(start.Sub(qt.queuedAt), 0)
	}
	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && delay > maxDelay {
		s.dropStale(start, t, delay)
		return
	}

	log := s.log.With(logx.String("task", t.Name))
	log.Debug("task started", logx.Duration("queue_delay", delay))
	eventbus.Emit(s.bus, eventbus.TaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay})

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	err := s.call(runCtx, t)

	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", ev.Duration))
		eventbus.Emit(s.bus, eventbus.TaskFailed, ev)
	} else {
		log.Debug("task finished", logx.Duration("dur", ev.Duration))
		eventbus.Emit(s.bus, eventbus.TaskFinished, ev)
	}
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Duration: ev.Duration, Error: ev.Error})
}

// call turns a panic in t into its error result; the worker survives.
func (s *Service) call(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
