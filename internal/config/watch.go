package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "sprinkler/pkg/logx"
)

// reloadDebounce coalesces the burst of events an editor emits for one save.
const reloadDebounce = 250 * time.Millisecond

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch reloads the file after it changes until ctx is done. The parent
// directory is watched so atomic rename-over saves are seen. A failing
// watcher is reopened with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	wait := watchRetryMin
	for ctx.Err() == nil {
		healthy, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			wait = watchRetryMin
		}
		pause := wait + rand.N(wait/2+1)
		wait = min(2*wait, watchRetryMax)
		m.log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", pause))

		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher. healthy reports whether it got as far
// as delivering events.
func (m *ConfigManager) watchOnce(ctx context.Context) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	var due <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-due:
			due = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("fsnotify events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				due = time.After(reloadDebounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("fsnotify errors closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow", logx.Err(werr))
				due = time.After(reloadDebounce)
				continue
			}
			return true, werr
		}
	}
}
