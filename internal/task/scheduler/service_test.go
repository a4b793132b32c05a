package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/task/cronexpr"
	"sprinkler/internal/task/engine"
	logx "sprinkler/pkg/logx"
)

var epoch = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	return newRegistryWith(t, Config{Timezone: "UTC"}, 2)
}

func newRegistryWith(t *testing.T, cfg Config, workers int) (*Service, *clock.Fake) {
	t.Helper()
	f := clock.NewFake(epoch)
	eng := engine.New(engine.Config{Workers: workers}, logx.Nop(), nil)
	eng.Start(context.Background())
	reg := New(cfg, f, eng, logx.Nop())
	t.Cleanup(func() {
		reg.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return reg, f
}

func recv(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestDoubleRegistrationKeepsOneLive(t *testing.T) {
	t.Parallel()
	reg, f := newRegistry(t)
	key := Key{Kind: KindSchedule, ID: 7}

	var stale atomic.Int32
	fired := make(chan struct{}, 8)
	if err := reg.RegisterRecurring(key, "* * * * *", "first", func(ctx context.Context) error {
		stale.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterRecurring error: %v", err)
	}
	if err := reg.RegisterRecurring(key, "* * * * *", "second", func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("RegisterRecurring error: %v", err)
	}
	if f.Pending() != 1 {
		t.Fatalf("armed timers = %d, want 1", f.Pending())
	}

	f.Advance(time.Minute)
	recv(t, fired)
	if stale.Load() != 0 {
		t.Fatalf("replaced registration fired %d times", stale.Load())
	}
	if got := reg.Snapshot().Entries; len(got) != 1 || got[0].Name != "second" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestInvalidExpressionKeepsPrior(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	key := Key{Kind: KindSchedule, ID: 1}
	noop := func(context.Context) error { return nil }

	if err := reg.RegisterRecurring(key, "0 6 * * *", "s1", noop); err != nil {
		t.Fatalf("RegisterRecurring error: %v", err)
	}
	before, _ := reg.Next(key)
	err := reg.Replace(key, "not a cron", "s1", noop)
	if !errors.Is(err, cronexpr.ErrInvalidExpression) {
		t.Fatalf("Replace error = %v, want ErrInvalidExpression", err)
	}
	after, ok := reg.Next(key)
	if !ok || !after.Equal(before) || !reg.HasRecurring(key) {
		t.Fatalf("prior registration changed: next=%v ok=%v", after, ok)
	}
	if want := epoch.AddDate(0, 0, 1); !before.Equal(want) {
		t.Fatalf("Next = %v, want %v", before, want)
	}
}

func TestNextAdvancesAfterFire(t *testing.T) {
	t.Parallel()
	reg, f := newRegistry(t)
	key := Key{Kind: KindSensor, ID: 3}
	_ = reg.RegisterRecurring(key, "*/5 * * * *", "poll", func(context.Context) error { return nil })

	if next, _ := reg.Next(key); !next.Equal(epoch.Add(5 * time.Minute)) {
		t.Fatalf("Next = %v", next)
	}
	f.Advance(5 * time.Minute)
	if next, _ := reg.Next(key); !next.Equal(epoch.Add(10 * time.Minute)) {
		t.Fatalf("Next after fire = %v", next)
	}
}

func TestCancelDuringExecution(t *testing.T) {
	t.Parallel()
	reg, f := newRegistry(t)
	key := Key{Kind: KindSchedule, ID: 2}

	var runs atomic.Int32
	started := make(chan struct{}, 4)
	canceled := make(chan struct{}, 4)
	_ = reg.RegisterRecurring(key, "* * * * *", "long", func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		canceled <- struct{}{}
		return ctx.Err()
	})

	f.Advance(time.Minute)
	recv(t, started)
	if n := reg.CancelAll(key); n != 1 {
		t.Fatalf("CancelAll = %d, want 1", n)
	}
	recv(t, canceled)

	f.Advance(10 * time.Minute)
	if f.Pending() != 0 || reg.HasRecurring(key) {
		t.Fatalf("registration survived cancel: timers=%d", f.Pending())
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestRunRefusesOneShotOnceCanceled(t *testing.T) {
	t.Parallel()
	reg, f := newRegistry(t)

	for i := range 20 {
		key := Key{Kind: KindSchedule, ID: int64(100 + i)}
		started := make(chan struct{}, 1)
		proceed := make(chan struct{})
		result := make(chan error, 1)
		_ = reg.RegisterRecurring(key, "* * * * *", "fire", func(ctx context.Context) error {
			started <- struct{}{}
			<-proceed
			_, err := reg.RegisterOneShot(ctx, key, 0, "pulse", func(context.Context) error { return nil })
			result <- err
			return nil
		})

		f.Advance(time.Minute)
		recv(t, started)
		reg.CancelAll(key)
		close(proceed)

		select {
		case err := <-result:
			if !errors.Is(err, ErrCanceled) {
				t.Fatalf("iteration %d: RegisterOneShot error = %v, want ErrCanceled", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: fire never returned", i)
		}
		if n := reg.Pending(key); n != 0 {
			t.Fatalf("iteration %d: pending one-shots = %d after cancel", i, n)
		}
	}
}

func TestCancelAllIsolatedPerKey(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	noop := func(context.Context) error { return nil }
	a := Key{Kind: KindSchedule, ID: 1}
	b := Key{Kind: KindSensor, ID: 1}
	_ = reg.RegisterRecurring(a, "* * * * *", "a", noop)
	_ = reg.RegisterRecurring(b, "* * * * *", "b", noop)

	reg.CancelAll(a)
	if reg.HasRecurring(a) || !reg.HasRecurring(b) {
		t.Fatalf("HasRecurring a=%v b=%v", reg.HasRecurring(a), reg.HasRecurring(b))
	}
	if n := reg.CancelAll(Key{Kind: KindRelay, ID: 99}); n != 0 {
		t.Fatalf("CancelAll(unknown) = %d", n)
	}
}

func TestOneShotImmediate(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	key := Key{Kind: KindRelay, ID: 4}
	var ran atomic.Bool
	h, err := reg.RegisterOneShot(context.Background(), key, 0, "pulse", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterOneShot error: %v", err)
	}
	recv(t, h.Done())
	if !ran.Load() {
		t.Fatal("one-shot did not run")
	}
	if reg.Pending(key) != 0 {
		t.Fatalf("Pending = %d after completion", reg.Pending(key))
	}
}

func TestOneShotRefusedForCanceledOwner(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	owner, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.RegisterOneShot(owner, Key{Kind: KindSchedule, ID: 5}, 0, "pulse", func(context.Context) error {
		t.Error("refused one-shot ran")
		return nil
	})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("RegisterOneShot error = %v, want ErrCanceled", err)
	}
	if reg.Pending(Key{Kind: KindSchedule, ID: 5}) != 0 {
		t.Fatal("refused one-shot is pending")
	}
}

func TestOneShotCancelBeforeFire(t *testing.T) {
	t.Parallel()
	reg, f := newRegistry(t)
	key := Key{Kind: KindRelay, ID: 6}
	var ran atomic.Bool
	h, err := reg.RegisterOneShot(context.Background(), key, time.Minute, "later", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterOneShot error: %v", err)
	}
	h.Cancel()
	h.Cancel()
	recv(t, h.Done())
	f.Advance(2 * time.Minute)
	if ran.Load() || reg.Pending(key) != 0 {
		t.Fatalf("ran=%v pending=%d", ran.Load(), reg.Pending(key))
	}
}

func TestCancelAllInterruptsRunningOneShot(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	key := Key{Kind: KindSchedule, ID: 8}
	started := make(chan struct{})
	release := make(chan struct{})
	h, _ := reg.RegisterOneShot(context.Background(), key, 0, "pulse", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		<-release
		return nil
	})
	recv(t, started)

	if n := reg.CancelAll(key); n != 1 {
		t.Fatalf("CancelAll = %d, want 1", n)
	}
	if reg.Pending(key) != 1 {
		t.Fatalf("Pending while winding down = %d, want 1", reg.Pending(key))
	}
	close(release)
	recv(t, h.Done())
	if reg.Pending(key) != 0 {
		t.Fatalf("Pending after return = %d", reg.Pending(key))
	}
}

func TestReplaceWithBlankClearsKey(t *testing.T) {
	t.Parallel()
	reg, f := newRegistry(t)
	key := Key{Kind: KindSchedule, ID: 9}
	noop := func(context.Context) error { return nil }
	_ = reg.RegisterRecurring(key, "* * * * *", "s", noop)
	h, _ := reg.RegisterOneShot(context.Background(), key, time.Hour, "pulse", noop)

	if err := reg.Replace(key, "", "s", noop); err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	recv(t, h.Done())
	if reg.HasRecurring(key) || reg.Pending(key) != 0 || f.Pending() != 0 {
		t.Fatalf("key not cleared: recurring=%v pending=%d timers=%d", reg.HasRecurring(key), reg.Pending(key), f.Pending())
	}
	if len(reg.Snapshot().Entries) != 0 {
		t.Fatalf("empty entry kept: %+v", reg.Snapshot().Entries)
	}
}

func TestStoppedRefusesRegistrations(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	reg.Stop()
	err := reg.RegisterRecurring(Key{Kind: KindSchedule, ID: 1}, "* * * * *", "s", func(context.Context) error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("RegisterRecurring after Stop error = %v", err)
	}
}

func TestKindLimitSerializesPolls(t *testing.T) {
	t.Parallel()
	reg, f := newRegistryWith(t, Config{Timezone: "UTC", Limits: map[Kind]int{KindSensor: 1}}, 3)

	var active, peak atomic.Int32
	release := make(chan struct{})
	finished := make(chan struct{}, 3)
	for id := int64(1); id <= 3; id++ {
		err := reg.RegisterRecurring(Key{Kind: KindSensor, ID: id}, "* * * * *", "poll", func(ctx context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			finished <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("RegisterRecurring(%d): %v", id, err)
		}
	}

	f.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		release <- struct{}{}
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatalf("poll %d never finished", i+1)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrent polls = %d, want 1", p)
	}
}
