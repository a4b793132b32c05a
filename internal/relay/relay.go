// Package relay switches valves and pumps through pluggable providers.
//
// Several schedules may drive the same physical output. The Actuator keeps a
// saturating activation counter per (provider, config) and only touches the
// hardware on the 0->1 and 1->0 transitions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"sprinkler/internal/provider"
	logx "sprinkler/pkg/logx"
)

// Provider drives one kind of relay hardware.
type Provider interface {
	provider.Provider
	// Init prepares the output named by config and reports whether it is active.
	Init(ctx context.Context, config string) (bool, error)
	Set(ctx context.Context, config string, active bool) error
}

type pinKey struct {
	provider string
	config   string
}

type pinState struct {
	mu          sync.Mutex
	initialized bool
	count       int
}

type Actuator struct {
	providers *provider.Registry[Provider]
	log       logx.Logger

	mu   sync.Mutex
	pins map[pinKey]*pinState
}

func NewActuator(log logx.Logger, providers ...Provider) (*Actuator, error) {
	reg, err := provider.NewRegistry(providers...)
	if err != nil {
		return nil, err
	}
	return &Actuator{providers: reg, log: log, pins: map[pinKey]*pinState{}}, nil
}

func (a *Actuator) Activate(ctx context.Context, providerID, config string) error {
	return a.change(ctx, providerID, config, +1)
}

func (a *Actuator) Deactivate(ctx context.Context, providerID, config string) error {
	return a.change(ctx, providerID, config, -1)
}

// IsActive reports whether the output is held by at least one activation.
func (a *Actuator) IsActive(ctx context.Context, providerID, config string) (bool, error) {
	p, err := a.providers.Get(providerID)
	if err != nil {
		return false, err
	}
	ps := a.pin(pinKey{providerID, config})
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := a.initLocked(ctx, p, config, ps); err != nil {
		return false, err
	}
	return ps.count > 0, nil
}

// Check reports whether providerID names an enabled provider that accepts
// config, without touching the hardware.
func (a *Actuator) Check(providerID, config string) error {
	p, err := a.providers.Get(providerID)
	if err != nil {
		return err
	}
	if err := p.ValidateConfig(config); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrInvalidConfig, err)
	}
	return nil
}

func (a *Actuator) ValidateConfig(providerID, config string) error {
	return a.providers.Validate(providerID, config)
}

func (a *Actuator) Providers() []provider.Info { return a.providers.List() }

func (a *Actuator) pin(k pinKey) *pinState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := a.pins[k]
	if ps == nil {
		ps = &pinState{}
		a.pins[k] = ps
	}
	return ps
}

func (a *Actuator) initLocked(ctx context.Context, p Provider, config string, ps *pinState) error {
	if ps.initialized {
		return nil
	}
	active, err := p.Init(ctx, config)
	if err != nil {
		return fmt.Errorf("init %s %q: %w", p.ID(), config, err)
	}
	ps.initialized = true
	if active {
		ps.count = 1
	}
	return nil
}

// change applies delta to the counter. A failed hardware switch leaves the
// counter untouched.
func (a *Actuator) change(ctx context.Context, providerID, config string, delta int) error {
	p, err := a.providers.Get(providerID)
	if err != nil {
		return err
	}
	if err := p.ValidateConfig(config); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrInvalidConfig, err)
	}
	ps := a.pin(pinKey{providerID, config})
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := a.initLocked(ctx, p, config, ps); err != nil {
		return err
	}

	prev := ps.count
	next := max(0, prev+delta)
	fields := []logx.Field{logx.String("provider", providerID), logx.String("config", config), logx.Int("from", prev), logx.Int("to", next)}
	switch {
	case prev == 0 && next > 0:
		if err := p.Set(ctx, config, true); err != nil {
			return fmt.Errorf("activate %s %q: %w", providerID, config, err)
		}
		a.log.Info("relay activated", fields...)
	case prev > 0 && next == 0:
		if err := p.Set(ctx, config, false); err != nil {
			return fmt.Errorf("deactivate %s %q: %w", providerID, config, err)
		}
		a.log.Info("relay deactivated", fields...)
	default:
		a.log.Debug("relay unchanged", fields...)
	}
	ps.count = next
	return nil
}

// Close releases providers that hold hardware handles.
func (a *Actuator) Close() error {
	var errs []error
	for _, info := range a.providers.List() {
		p, err := a.providers.Get(info.ID)
		if err != nil {
			continue
		}
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
