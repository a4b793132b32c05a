package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sprinkler/internal/eventbus"
	logx "sprinkler/pkg/logx"
)

type stats struct {
	inFlight  atomic.Int32
	dedicated atomic.Int32

	queueFull atomic.Uint64
	stale     atomic.Uint64

	queueFullWarn rate.Sometimes
	staleWarn     rate.Sometimes

	mu      sync.Mutex
	history []HistoryItem
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	running := p != nil && !p.closing
	s.mu.Unlock()

	qf, st := s.stats.queueFull.Load(), s.stats.stale.Load()
	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.stats.inFlight.Load()),
		Dedicated:        int(s.stats.dedicated.Load()),
		Dropped:          qf + st,
		DroppedQueueFull: qf,
		DroppedStale:     st,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.stats.mu.Lock()
	snap.History = append([]HistoryItem(nil), s.stats.history...)
	s.stats.mu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.stats.history = append(s.stats.history, item)
	if over := len(s.stats.history) - limit; over > 0 {
		s.stats.history = append(s.stats.history[:0], s.stats.history[over:]...)
	}
}

func (s *Service) dropQueueFull(now time.Time, t Task, capacity int) {
	n := s.stats.queueFull.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.stats.queueFullWarn.Do(func() {
		s.log.Warn("task dropped, queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", capacity),
			logx.Uint64("dropped_total", n),
		)
	})
}

func (s *Service) dropStale(now time.Time, t Task, delay time.Duration) {
	n := s.stats.stale.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})
	s.stats.staleWarn.Do(func() {
		s.log.Warn("task dropped, waited too long in queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_total", n),
		)
	})
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})
}
