package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RemoteSink receives one formatted line per forwarded event. SendLog is
// only ever called from a single goroutine.
type RemoteSink interface {
	SendLog(ctx context.Context, level, line string) error
}

const (
	remoteQueueLen = 256
	remoteTimeout  = 5 * time.Second
	remoteMaxLine  = 1024
	remoteMaxValue = 200
)

type remoteLine struct{ level, text string }

// remote is a zerolog.LevelWriter that hands lines to a background sender.
// Writes never block logging: a full queue or an exhausted limiter drops the
// line.
type remote struct {
	mu      sync.Mutex
	sink    RemoteSink
	floor   zerolog.Level
	limiter *rate.Limiter

	queue chan remoteLine
	start sync.Once
	stop  context.CancelFunc
	done  chan struct{}
}

func newRemote() *remote {
	return &remote{floor: LevelWarn, limiter: rateFor(1), queue: make(chan remoteLine, remoteQueueLen)}
}

func (r *remote) setSink(sink RemoteSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *remote) configure(cfg RemoteConfig) {
	r.mu.Lock()
	r.floor = parseLevel(cfg.MinLevel, LevelWarn)
	r.limiter = rateFor(cfg.RatePerSec)
	r.mu.Unlock()
	if cfg.Enabled {
		r.start.Do(r.run)
	}
}

func (r *remote) run() {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.stop, r.done = cancel, make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-r.queue:
				r.mu.Lock()
				sink := r.sink
				r.mu.Unlock()
				if sink == nil {
					continue
				}
				sctx, scancel := context.WithTimeout(ctx, remoteTimeout)
				_ = sink.SendLog(sctx, l.level, l.text)
				scancel()
			}
		}
	}()
}

func (r *remote) close() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (r *remote) Write(p []byte) (int, error) { return r.WriteLevel(LevelInfo, p) }

func (r *remote) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	ok := r.sink != nil && level >= r.floor && r.limiter.Allow()
	r.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatRemoteLine(p); text != "" {
		select {
		case r.queue <- remoteLine{level: level.String(), text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatRemoteLine renders a JSON event as "message k=v ..." with keys in
// order. time, level and caller are dropped.
func formatRemoteLine(p []byte) string {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		return clip(strings.TrimSpace(string(p)), remoteMaxLine)
	}
	msg, _ := ev[zerolog.MessageFieldName].(string)
	for _, k := range []string{zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.CallerFieldName} {
		delete(ev, k)
	}
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, clip(fmt.Sprint(ev[k]), remoteMaxValue))
	}
	return clip(b.String(), remoteMaxLine)
}

func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
