package sensor

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"sprinkler/internal/clock"
)

// Dummy reports the integer stored in its config.
type Dummy struct {
	clk clock.Clock
}

func NewDummy(clk clock.Clock) *Dummy {
	if clk == nil {
		clk = clock.Real()
	}
	return &Dummy{clk: clk}
}

func (d *Dummy) ID() string             { return "dummy" }
func (d *Dummy) Description() string    { return "Dummy returning configured number" }
func (d *Dummy) DisabledReason() string { return "" }

func (d *Dummy) ValidateConfig(config string) error {
	if _, err := strconv.Atoi(strings.TrimSpace(config)); err != nil {
		return errors.New("not a number")
	}
	return nil
}

func (d *Dummy) ObtainValue(ctx context.Context, config string) (Reading, error) {
	v, err := strconv.Atoi(strings.TrimSpace(config))
	if err != nil {
		return Reading{}, errors.New("not a number")
	}
	return Reading{At: d.clk.Now(), Value: v}, nil
}
