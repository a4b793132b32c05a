package scheduler

import (
	"sort"

	"sprinkler/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	loc := s.loc
	keys := s.keysLocked()
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})

	out := Snapshot{Timezone: loc.String()}
	for _, k := range keys {
		e := s.lockEntry(k, false)
		if e == nil {
			continue
		}
		info := EntryInfo{Key: k, Pending: len(e.oneShots)}
		if r := e.recurring; r != nil {
			info.Name = r.name
			info.Expr = r.sched.Expr()
			info.Next = r.next
			info.Prev = r.prev
		} else {
			for h := range e.oneShots {
				info.Name = h.Name
				break
			}
		}
		e.mu.Unlock()
		out.Entries = append(out.Entries, info)
	}
	if es, ok := s.exec.(interface{ Snapshot() engine.Snapshot }); ok {
		out.Engine = es.Snapshot()
	}
	return out
}
