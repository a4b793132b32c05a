// Package provider holds the id-keyed registries of relay and sensor
// providers.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidProviderID = errors.New("invalid provider id")
	ErrProviderDisabled  = errors.New("provider disabled")
	ErrInvalidConfig     = errors.New("invalid provider config")
)

// Provider is the common surface of relay and sensor providers.
type Provider interface {
	ID() string
	Description() string
	// DisabledReason is empty when the provider is usable on this host.
	DisabledReason() string
	ValidateConfig(config string) error
}

// Info describes a registered provider for listings.
type Info struct {
	ID             string
	Description    string
	DisabledReason string
}

type Registry[P Provider] struct {
	byID map[string]P
}

// NewRegistry indexes providers by id. Duplicate ids are an error.
func NewRegistry[P Provider](providers ...P) (*Registry[P], error) {
	r := &Registry[P]{byID: make(map[string]P, len(providers))}
	for _, p := range providers {
		id := p.ID()
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", id)
		}
		r.byID[id] = p
	}
	return r, nil
}

// Get returns the enabled provider registered under id.
func (r *Registry[P]) Get(id string) (P, error) {
	var zero P
	p, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrInvalidProviderID, id)
	}
	if reason := p.DisabledReason(); reason != "" {
		return zero, fmt.Errorf("%w: %s: %s", ErrProviderDisabled, id, reason)
	}
	return p, nil
}

// Validate resolves id and checks config against it.
func (r *Registry[P]) Validate(id, config string) error {
	p, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidProviderID, id)
	}
	if err := p.ValidateConfig(config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (r *Registry[P]) List() []Info {
	out := make([]Info, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, Info{ID: p.ID(), Description: p.Description(), DisabledReason: p.DisabledReason()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SplitConfig splits a "a;b;c" provider config into exactly n trimmed parts.
func SplitConfig(config string, n int, expected string) ([]string, error) {
	config = strings.TrimSpace(config)
	if strings.ContainsAny(config, "\r\n") {
		return nil, fmt.Errorf("cannot contain newlines, expected: %s", expected)
	}
	parts := strings.Split(config, ";")
	if len(parts) != n {
		return nil, fmt.Errorf("expected: %s", expected)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}
