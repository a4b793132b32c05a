package app

import (
	"context"
	"time"

	logx "sprinkler/pkg/logx"
)

const relayStateTimeout = 5 * time.Second

// DumpState logs the registry entries, the task engine counters, relay
// outputs and the supervised goroutines. serve calls it on SIGUSR1.
func (a *App) DumpState() {
	snap := a.sched.Snapshot()
	a.log.Info("registry state",
		logx.String("timezone", snap.Timezone),
		logx.Int("entries", len(snap.Entries)),
	)
	for _, e := range snap.Entries {
		fields := []logx.Field{
			logx.String("key", e.Key.String()),
			logx.String("name", e.Name),
			logx.Int("pending_pulses", e.Pending),
		}
		if e.Expr != "" {
			fields = append(fields, logx.String("cron", e.Expr))
		}
		if !e.Next.IsZero() {
			fields = append(fields, logx.Time("next", e.Next), logx.Duration("in", time.Until(e.Next).Round(time.Second)))
		}
		if !e.Prev.IsZero() {
			fields = append(fields, logx.Time("prev", e.Prev))
		}
		a.log.Info("registry entry", fields...)
	}

	eng := snap.Engine
	a.log.Info("task engine state",
		logx.Bool("running", eng.Running),
		logx.Int("workers", eng.Workers),
		logx.Int("in_flight", eng.InFlight),
		logx.Int("dedicated", eng.Dedicated),
		logx.Int("queue_len", eng.QueueLen),
		logx.Uint64("dropped_queue_full", eng.DroppedQueueFull),
		logx.Uint64("dropped_stale", eng.DroppedStale),
	)
	if n := len(eng.History); n > 0 {
		last := eng.History[n-1]
		a.log.Info("last task", logx.String("task", last.Name), logx.Time("started", last.Started), logx.Duration("took", last.Duration), logx.String("error", last.Error))
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayStateTimeout)
	defer cancel()
	for _, r := range a.relayStates(ctx) {
		if r.err != nil {
			a.log.Warn("relay state unavailable", logx.String("relay", r.name), logx.Err(r.err))
			continue
		}
		a.log.Info("relay state", logx.String("relay", r.name), logx.String("provider", r.provider), logx.Bool("active", r.active))
	}

	if a.sup == nil {
		return
	}
	sup := a.sup.Snapshot()
	a.log.Info("supervisor state", logx.Int64("active", sup.Active), logx.Uint64("started", sup.Started), logx.String("first_error", sup.FirstError))
	for _, g := range sup.Goroutines {
		a.log.Debug("goroutine",
			logx.String("name", g.Name),
			logx.Int64("active", g.Active),
			logx.Uint64("restarts", g.Restarts),
			logx.Uint64("panics", g.Panics),
			logx.String("last_err", g.LastErr),
		)
	}
}

type relayState struct {
	name     string
	provider string
	active   bool
	err      error
}

// relayStates asks the actuator whether each stored relay is held on.
func (a *App) relayStates(ctx context.Context) []relayState {
	if a.store == nil || a.relays == nil {
		return nil
	}
	relays, err := a.store.ListRelays(ctx)
	if err != nil {
		a.log.Warn("list relays", logx.Err(err))
		return nil
	}
	out := make([]relayState, 0, len(relays))
	for _, r := range relays {
		active, err := a.relays.IsActive(ctx, r.ProviderID, r.Config)
		out = append(out, relayState{name: r.Name, provider: r.ProviderID, active: active, err: err})
	}
	return out
}
