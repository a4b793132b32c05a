package engine

import (
	"strings"
	"sync"
)

// gate counts runs sharing a ConcurrencyKey. The limit follows the most
// recently submitted task, so a reloaded cap applies to the next dequeue.
// Tasks that find the gate full wait in parked, off the queue, and inherit
// the slot of a finishing run in FIFO order.
type gate struct {
	mu     sync.Mutex
	limit  int
	busy   int
	parked []queuedTask
}

// enter takes a slot for qt or parks it. A false return means qt now
// belongs to the gate. Parking fails with ErrQueueFull once maxParked
// tasks are waiting.
func (g *gate) enter(qt queuedTask, maxParked int) (bool, error) {
	if g == nil {
		return true, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy < g.limit {
		g.busy++
		return true, nil
	}
	if len(g.parked) >= maxParked {
		return false, ErrQueueFull
	}
	g.parked = append(g.parked, qt)
	return false, nil
}

// leave releases the caller's slot. When a parked task can take it over,
// the slot is handed on and the task returned for the caller to run.
func (g *gate) leave() (queuedTask, bool) {
	if g == nil {
		return queuedTask{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.parked) > 0 && g.busy <= g.limit {
		qt := g.parked[0]
		g.parked[0] = queuedTask{}
		g.parked = g.parked[1:]
		return qt, true
	}
	if g.busy > 0 {
		g.busy--
	}
	return queuedTask{}, false
}

// requeue puts a handed-on task back at the head of the line and gives up
// its slot. Used when the worker stops before running it.
func (g *gate) requeue(qt queuedTask) {
	g.mu.Lock()
	g.parked = append([]queuedTask{qt}, g.parked...)
	if g.busy > 0 {
		g.busy--
	}
	g.mu.Unlock()
}

// groupKey falls back to the task name when no ConcurrencyKey is set.
func groupKey(concurrencyKey, name string) string {
	if k := strings.TrimSpace(concurrencyKey); k != "" {
		return k
	}
	return strings.TrimSpace(name)
}

type gates struct {
	mu sync.Mutex
	m  map[string]*gate
}

// lookup returns nil when limit is 0, i.e. the task is not gated.
func (gs *gates) lookup(key string, limit int) *gate {
	if limit <= 0 || key == "" {
		return nil
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.m == nil {
		gs.m = make(map[string]*gate)
	}
	g := gs.m[key]
	if g == nil {
		g = &gate{}
		gs.m[key] = g
	}
	g.mu.Lock()
	g.limit = limit
	g.mu.Unlock()
	return g
}

// drain removes every parked task.
func (gs *gates) drain() []queuedTask {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	var out []queuedTask
	for _, g := range gs.m {
		g.mu.Lock()
		out = append(out, g.parked...)
		g.parked = nil
		g.mu.Unlock()
	}
	return out
}

// GroupBusy reports how many runs currently hold the gate for key.
func (s *Service) GroupBusy(key string) int {
	s.groups.mu.Lock()
	g := s.groups.m[key]
	s.groups.mu.Unlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
