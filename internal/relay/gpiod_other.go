//go:build !linux

package relay

import (
	"context"
	"errors"
)

var errGPIOUnsupported = errors.New("gpiod: not supported on this platform (requires Linux)")

// GPIOD is always disabled outside Linux.
type GPIOD struct{}

func NewGPIOD() *GPIOD { return &GPIOD{} }

func (g *GPIOD) ID() string                         { return "gpiod" }
func (g *GPIOD) Description() string                { return "GPIO lines via the Linux character device" }
func (g *GPIOD) DisabledReason() string             { return "requires Linux" }
func (g *GPIOD) ValidateConfig(config string) error { return validateLineName(config) }
func (g *GPIOD) Close() error                       { return nil }

func (g *GPIOD) Init(context.Context, string) (bool, error) {
	return false, errGPIOUnsupported
}

func (g *GPIOD) Set(context.Context, string, bool) error { return errGPIOUnsupported }
