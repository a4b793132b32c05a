package cronexpr

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var base = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"* * * * *", base, base.Add(time.Minute)},
		{"0 * * * * *", base.Add(30 * time.Second), base.Add(time.Minute)},
		{"*/10 * * * * *", base, base.Add(10 * time.Second)},
		{"30 6 * * *", base, base.Add(30 * time.Minute)},
		{"0 6 * * *", base, base.AddDate(0, 0, 1)},
		{"@hourly", base, base.Add(time.Hour)},
		{"@every 10m", base, base.Add(10 * time.Minute)},
		{"0 0 1,15 * *", base, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)},
		{"0 7-9 * * 1-5", base, base.Add(time.Hour)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			got, ok, err := Next(tt.expr, tt.from)
			if err != nil {
				t.Fatalf("Next(%q) error: %v", tt.expr, err)
			}
			if !ok {
				t.Fatalf("Next(%q) ok=false", tt.expr)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNextStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"* * * * * *", "*/7 * * * *", "@every 90s", "15 3 * * 0"} {
		s, err := Parse(expr)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", expr, err)
		}
		from := base.Add(123 * time.Millisecond)
		for i := 0; i < 50; i++ {
			next, ok := s.Next(from)
			if !ok {
				t.Fatalf("Next(%q) ok=false at step %d", expr, i)
			}
			if !next.After(from) {
				t.Fatalf("Next(%q) = %v not after %v", expr, next, from)
			}
			from = next
		}
	}
}

func TestBlankNeverFires(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "   "} {
		next, ok, err := Next(expr, base)
		if err != nil || ok || !next.IsZero() {
			t.Fatalf("Next(%q) = (%v, %v, %v), want zero/false/nil", expr, next, ok, err)
		}
	}
}

func TestInvalidExpression(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"nonsense", "* * *", "61 * * * *", "@every", "* * * * * * * *"} {
		_, _, err := Next(expr, base)
		if !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("Next(%q) error = %v, want ErrInvalidExpression", expr, err)
		}
	}
}

func TestValidateLength(t *testing.T) {
	t.Parallel()
	long := "0 " + strings.Repeat("1,", 40) + "2 * * * *"
	if err := Validate(long); !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("Validate(long) error = %v", err)
	}
	if err := Validate("*/5 * * * *"); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	got, err := Preview("0 */2 * * *", base, 3)
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	want := []time.Time{base.Add(2 * time.Hour), base.Add(4 * time.Hour), base.Add(6 * time.Hour)}
	if len(got) != len(want) {
		t.Fatalf("Preview len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("Preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	none, err := Preview("", base, 3)
	if err != nil || len(none) != 0 {
		t.Fatalf("Preview(blank) = %v, %v", none, err)
	}
}

func TestNextHonoursLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*60*60)
	from := base.In(loc) // 08:00 local
	got, ok, err := Next("0 9 * * *", from)
	if err != nil || !ok {
		t.Fatalf("Next error: %v ok=%v", err, ok)
	}
	if want := base.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}
