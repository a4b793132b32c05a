//go:build linux

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

var errLineNotFound = errors.New("no gpio line with that name")

// GPIOD drives relays wired to named GPIO lines through the Linux character
// device. Requested lines stay held until Close.
type GPIOD struct {
	mu    sync.Mutex
	lines map[string]*gpiocdev.Line
}

func NewGPIOD() *GPIOD { return &GPIOD{lines: map[string]*gpiocdev.Line{}} }

func (g *GPIOD) ID() string          { return "gpiod" }
func (g *GPIOD) Description() string { return "GPIO lines via the Linux character device" }

func (g *GPIOD) DisabledReason() string {
	if !gpioChipsPresent() {
		return "no /dev/gpiochip* device found"
	}
	return ""
}

func (g *GPIOD) ValidateConfig(config string) error { return validateLineName(config) }

// Init requests the line as an output driven low.
func (g *GPIOD) Init(ctx context.Context, config string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.lineLocked(config); err != nil {
		return false, err
	}
	return false, nil
}

func (g *GPIOD) Set(ctx context.Context, config string, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, err := g.lineLocked(config)
	if err != nil {
		return err
	}
	v := 0
	if active {
		v = 1
	}
	if err := l.SetValue(v); err != nil {
		return fmt.Errorf("set line %q: %w", config, err)
	}
	return nil
}

func (g *GPIOD) lineLocked(config string) (*gpiocdev.Line, error) {
	name := strings.TrimSpace(config)
	if l := g.lines[name]; l != nil {
		return l, nil
	}
	chip, offset, err := findLine(name)
	if err != nil {
		return nil, err
	}
	defer chip.Close()
	l, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request line %q on %s: %w", name, chip.Name, err)
	}
	g.lines[name] = l
	return l, nil
}

// findLine scans every chip for a line called name. The returned chip is
// open and must be closed by the caller; lines requested from it outlive it.
func findLine(name string) (*gpiocdev.Chip, int, error) {
	for _, cn := range gpiocdev.Chips() {
		chip, err := gpiocdev.NewChip(cn)
		if err != nil {
			continue
		}
		for off := 0; off < chip.Lines(); off++ {
			info, err := chip.LineInfo(off)
			if err == nil && info.Name == name {
				return chip, off, nil
			}
		}
		chip.Close()
	}
	return nil, 0, fmt.Errorf("find line %q: %w", name, errLineNotFound)
}

// Close drives every held line low and releases it.
func (g *GPIOD) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for name, l := range g.lines {
		if err := l.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("reset line %q: %w", name, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %q: %w", name, err))
		}
		delete(g.lines, name)
	}
	return errors.Join(errs...)
}
