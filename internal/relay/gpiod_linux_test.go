//go:build linux

package relay

import (
	"context"
	"errors"
	"testing"
)

func TestGPIODUnknownLineName(t *testing.T) {
	t.Parallel()
	const name = "sprinkler-test-no-such-line"

	if _, _, err := findLine(name); !errors.Is(err, errLineNotFound) {
		t.Fatalf("findLine error = %v, want errLineNotFound", err)
	}

	g := NewGPIOD()
	defer g.Close()
	if _, err := g.Init(context.Background(), name); !errors.Is(err, errLineNotFound) {
		t.Fatalf("Init error = %v, want errLineNotFound", err)
	}
	if len(g.lines) != 0 {
		t.Fatalf("held lines = %d, want 0", len(g.lines))
	}
}
