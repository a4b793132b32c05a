package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sprinkler/internal/clock"
	"sprinkler/internal/task/cronexpr"
	logx "sprinkler/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	entries map[Key]*entry
	cfg     Config
	loc     *time.Location
	stopped bool

	base   context.Context
	cancel context.CancelFunc

	clk  clock.Clock
	exec Executor
	log  logx.Logger
}

func New(cfg Config, clk clock.Clock, exec Executor, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		entries: map[Key]*entry{},
		cfg:     cfg,
		base:    base,
		cancel:  cancel,
		clk:     clk,
		exec:    exec,
		log:     log,
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

func (s *Service) Clock() clock.Clock { return s.clk }

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) limit(k Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Limits[k]
}

// Apply re-arms every recurring registration when the timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocation(cfg.Timezone)
	loc := s.loc
	keys := s.keysLocked()
	s.mu.Unlock()

	for _, k := range keys {
		e := s.lockEntry(k, false)
		if e == nil {
			continue
		}
		if r := e.recurring; r != nil {
			if r.timer != nil {
				r.timer.Stop()
			}
			r.next = time.Time{}
			s.armLocked(e, r)
		}
		s.releaseEntry(e)
	}
	s.log.Info("timezone changed, triggers re-armed", logx.String("tz", loc.String()), logx.Int("entries", len(keys)))
}

// Stop cancels every registration and refuses new ones.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	keys := s.keysLocked()
	s.mu.Unlock()

	n := 0
	for _, k := range keys {
		n += s.CancelAll(k)
	}
	s.cancel()
	s.log.Info("registry stopped", logx.Int("canceled", n))
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Service) keysLocked() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func (s *Service) loadLocation(tz string) *time.Location {
	loc, err := cronexpr.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// lockEntry returns the key's entry with its mutex held, or nil when absent
// and create is false. The map lock is never held while waiting on an entry.
func (s *Service) lockEntry(key Key, create bool) *entry {
	for {
		s.mu.Lock()
		e := s.entries[key]
		if e == nil {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &entry{key: key, oneShots: map[*Handle]struct{}{}, warn: rate.Sometimes{Interval: dispatchWarnEvery}}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// releaseEntry drops an empty entry from the map and unlocks it.
func (s *Service) releaseEntry(e *entry) {
	if !e.dead && e.recurring == nil && len(e.oneShots) == 0 {
		e.dead = true
		s.mu.Lock()
		if s.entries[e.key] == e {
			delete(s.entries, e.key)
		}
		s.mu.Unlock()
	}
	e.mu.Unlock()
}
