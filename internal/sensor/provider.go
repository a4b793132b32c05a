// Package sensor reads rain gauges and soil sensors on cron triggers and
// keeps their recent values in storage.
package sensor

import (
	"context"
	"fmt"
	"time"

	"sprinkler/internal/provider"
)

// Reading is one value reported by a sensor provider.
type Reading struct {
	At    time.Time
	Value int
}

// Provider obtains readings from one kind of sensor.
type Provider interface {
	provider.Provider
	ObtainValue(ctx context.Context, config string) (Reading, error)
}

// Providers resolves provider ids to sensor providers.
type Providers struct {
	reg *provider.Registry[Provider]
}

func NewProviders(ps ...Provider) (*Providers, error) {
	reg, err := provider.NewRegistry(ps...)
	if err != nil {
		return nil, err
	}
	return &Providers{reg: reg}, nil
}

func (p *Providers) ObtainValue(ctx context.Context, providerID, config string) (Reading, error) {
	prov, err := p.reg.Get(providerID)
	if err != nil {
		return Reading{}, err
	}
	if err := prov.ValidateConfig(config); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", provider.ErrInvalidConfig, err)
	}
	return prov.ObtainValue(ctx, config)
}

func (p *Providers) ValidateConfig(providerID, config string) error {
	return p.reg.Validate(providerID, config)
}

func (p *Providers) List() []provider.Info { return p.reg.List() }
