package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Dummy records switch calls in memory. It backs the "dummy" provider and
// doubles as a test fake.
type Dummy struct {
	mu     sync.Mutex
	state  map[string]bool
	calls  []Call
	SetErr error // returned by Set when non-nil
}

type Call struct {
	Config string
	Active bool
}

func NewDummy() *Dummy { return &Dummy{state: map[string]bool{}} }

func (d *Dummy) ID() string             { return "dummy" }
func (d *Dummy) Description() string    { return "In-memory relays for testing" }
func (d *Dummy) DisabledReason() string { return "" }

func (d *Dummy) ValidateConfig(config string) error {
	if strings.TrimSpace(config) == "" {
		return errors.New("cannot be empty")
	}
	if strings.ContainsAny(config, "\r\n") {
		return errors.New("cannot contain newlines")
	}
	return nil
}

func (d *Dummy) Init(ctx context.Context, config string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[config], nil
}

func (d *Dummy) Set(ctx context.Context, config string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SetErr != nil {
		return d.SetErr
	}
	d.state[config] = active
	d.calls = append(d.calls, Call{Config: config, Active: active})
	return nil
}

// Active reports the last state set for config.
func (d *Dummy) Active(config string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[config]
}

func (d *Dummy) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}
