// Package cronexpr evaluates cron expressions for schedule and sensor triggers.
//
// Supported forms:
//   - 6 fields with seconds: "0 */5 * * * *"
//   - classic 5 fields: "30 6 * * 1-5"
//   - descriptors: "@hourly", "@daily", "@every 10m"
//
// A blank expression is valid and never fires.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for expressions the parser rejects.
var ErrInvalidExpression = errors.New("invalid cron expression")

// MaxLength is the longest expression accepted by Validate.
const MaxLength = 64

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed, reusable expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Expr returns the source expression.
func (s Schedule) Expr() string { return s.expr }

// Never reports whether the schedule was parsed from a blank expression.
func (s Schedule) Never() bool { return s.sched == nil }

// Next returns the first activation strictly after from, in from's location.
func (s Schedule) Next(from time.Time) (time.Time, bool) {
	if s.sched == nil {
		return time.Time{}, false
	}
	next := s.sched.Next(from)
	if next.IsZero() {
		return time.Time{}, false
	}
	// robfig truncates to whole seconds; keep the result strictly after from.
	if !next.After(from) {
		next = s.sched.Next(from.Add(time.Second))
		if next.IsZero() {
			return time.Time{}, false
		}
	}
	return next, true
}

// Parse compiles expr. Blank input yields a Schedule that never fires.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// Next evaluates expr once. ok is false for blank expressions or when no
// future activation exists.
func Next(expr string, from time.Time) (next time.Time, ok bool, err error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok = s.Next(from)
	return next, ok, nil
}

// Preview returns up to n consecutive activations after from.
func Preview(expr string, from time.Time, n int) ([]time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next, ok := s.Next(t)
		if !ok {
			break
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}

// Validate checks length and syntax. Blank is accepted.
func Validate(expr string) error {
	if len(expr) > MaxLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidExpression, MaxLength)
	}
	_, err := Parse(expr)
	return err
}

// LoadLocation resolves an IANA timezone name. Empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
