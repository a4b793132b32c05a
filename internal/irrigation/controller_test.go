package irrigation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/eventbus"
	"sprinkler/internal/provider"
	"sprinkler/internal/relay"
	"sprinkler/internal/storage"
	"sprinkler/internal/task/engine"
	"sprinkler/internal/task/scheduler"
	logx "sprinkler/pkg/logx"
)

var epoch = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

type fixture struct {
	clk   *clock.Fake
	reg   *scheduler.Service
	store storage.Store
	dummy *relay.Dummy
	bus   eventbus.Bus
	ctl   *Controller
	relay storage.Relay
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewFake(now), dummy: relay.NewDummy(), bus: eventbus.New()}
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "irrigation.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	f.store = st
	act, err := relay.NewActuator(logx.Nop(), f.dummy)
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	f.reg = scheduler.New(scheduler.Config{Timezone: "UTC"}, f.clk, eng, logx.Nop())
	f.ctl = NewController(Config{}, f.reg, st, act, nil, f.clk, f.bus, logx.Nop())

	f.relay = storage.Relay{Name: "lawn", ProviderID: "dummy", Config: "1"}
	if err := st.CreateRelay(context.Background(), &f.relay); err != nil {
		t.Fatalf("CreateRelay error: %v", err)
	}
	t.Cleanup(func() {
		f.reg.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
		st.Close()
	})
	return f
}

func (f *fixture) schedule(t *testing.T, cron string, seconds int) storage.Schedule {
	t.Helper()
	s := storage.Schedule{Name: "front", Enabled: true, RelayID: f.relay.ID, DurationSeconds: seconds, Cron: cron}
	if err := f.store.CreateSchedule(context.Background(), &s); err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitTimers(t *testing.T, clk *clock.Fake, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clk.WaitForTimers(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

func TestScheduleRunsPulseEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)
	s := f.schedule(t, "* * * * *", 600)
	if err := f.ctl.ScheduleCreated(ctx, s); err != nil {
		t.Fatalf("ScheduleCreated error: %v", err)
	}
	if f.ctl.State(s.ID) != Registered {
		t.Fatal("schedule not registered")
	}

	f.clk.Advance(time.Minute)
	eventually(t, "relay on", func() bool { return f.dummy.Active("1") })
	// Recurring trigger plus the pulse timer.
	waitTimers(t, f.clk, 2)

	logs, err := f.store.RecentScheduleLogs(ctx, s.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].DurationMillis != 600000 || logs[0].RelayName != "lawn" {
		t.Fatalf("schedule logs = %+v, want one row of 600000ms", logs)
	}

	f.clk.Advance(599 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if !f.dummy.Active("1") {
		t.Fatal("relay switched off before the duration elapsed")
	}
	if logs, _ := f.store.RecentScheduleLogs(ctx, s.ID, 10); len(logs) != 1 {
		t.Fatalf("overlapping fires wrote %d log rows, want 1", len(logs))
	}

	f.clk.Advance(time.Second)
	eventually(t, "relay off", func() bool {
		calls := f.dummy.Calls()
		return len(calls) >= 2 && calls[1] == relay.Call{Config: "1", Active: false}
	})
}

func TestDeleteMidPulseDeactivates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)
	s := f.schedule(t, "* * * * *", 600)
	if err := f.ctl.ScheduleCreated(ctx, s); err != nil {
		t.Fatal(err)
	}
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.clk.Advance(time.Minute)
	eventually(t, "relay on", func() bool { return f.dummy.Active("1") })

	if err := f.ctl.ScheduleDeleted(ctx, s); err != nil {
		t.Fatal(err)
	}
	eventually(t, "relay off", func() bool { return !f.dummy.Active("1") })
	if f.ctl.State(s.ID) != Unregistered {
		t.Fatal("deleted schedule still registered")
	}

	f.clk.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if calls := f.dummy.Calls(); len(calls) != 2 {
		t.Fatalf("relay calls after delete = %v, want on and off only", calls)
	}

	var finished *eventbus.Pulse
	for finished == nil {
		select {
		case ev := <-events:
			if ev.Type == eventbus.PulseFinished {
				p := ev.Data.(eventbus.Pulse)
				finished = &p
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no pulse.finished event")
		}
	}
	if finished.Completed {
		t.Fatal("canceled pulse reported as completed")
	}
}

func TestScheduleSyncStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)
	s := f.schedule(t, "0 6 * * *", 60)

	tests := []struct {
		name    string
		mutate  func(*storage.Schedule)
		want    State
		wantErr bool
	}{
		{"enabled", func(s *storage.Schedule) {}, Registered, false},
		{"disabled", func(s *storage.Schedule) { s.Enabled = false }, Unregistered, false},
		{"blank cron", func(s *storage.Schedule) { s.Cron = "  " }, Unregistered, false},
		{"invalid cron", func(s *storage.Schedule) { s.Cron = "61 * * * *" }, Unregistered, true},
		{"missing relay", func(s *storage.Schedule) { s.RelayID = 999 }, Unregistered, true},
	}
	for _, tt := range tests {
		cp := s
		tt.mutate(&cp)
		// Start each case from a registered schedule.
		if err := f.ctl.ScheduleUpdated(ctx, s); err != nil {
			t.Fatal(err)
		}
		err := f.ctl.ScheduleUpdated(ctx, cp)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: ScheduleUpdated error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if got := f.ctl.State(s.ID); got != tt.want {
			t.Fatalf("%s: State = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResumeAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// Daily at 06:00, restarted 90s into a 120s run.
	f := newFixture(t, epoch.Add(90*time.Second))
	f.schedule(t, "0 6 * * *", 120)

	if err := f.ctl.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	eventually(t, "relay on", func() bool { return f.dummy.Active("1") })
	waitTimers(t, f.clk, 2)
	if logs, _ := f.store.RecentScheduleLogs(ctx, 0, 10); len(logs) != 0 {
		t.Fatalf("resume wrote %d log rows", len(logs))
	}

	f.clk.Advance(29 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if !f.dummy.Active("1") {
		t.Fatal("resumed pulse ended early")
	}
	f.clk.Advance(time.Second)
	eventually(t, "relay off", func() bool { return !f.dummy.Active("1") })
}

func TestNoResumeWhenRunIsOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch.Add(3*time.Minute))
	s := f.schedule(t, "0 6 * * *", 120)
	if err := f.ctl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.reg.Pending(ScheduleKey(s.ID)); n != 0 {
		t.Fatalf("pending one-shots = %d, want 0", n)
	}
	if len(f.dummy.Calls()) != 0 {
		t.Fatalf("relay touched: %v", f.dummy.Calls())
	}
}

func TestPreviousStart(t *testing.T) {
	t.Parallel()
	now := epoch.Add(150 * time.Second) // 06:02:30
	tests := []struct {
		expr string
		from time.Time
		want time.Time
		ok   bool
	}{
		{"* * * * *", now.Add(-5 * time.Minute), epoch.Add(2 * time.Minute), true},
		{"0 6 * * *", now.Add(-5 * time.Minute), epoch, true},
		{"0 6 * * *", now.Add(-time.Minute), time.Time{}, false},
		{"", now.Add(-time.Hour), time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := previousStart(tt.expr, tt.from, now)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Fatalf("previousStart(%q) = %v, %v; want %v, %v", tt.expr, got, ok, tt.want, tt.ok)
		}
	}
}

func TestManualPulseAndDeactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)

	if _, err := f.ctl.ScheduleNow(ctx, f.relay.ID, 11*time.Hour, ""); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("ScheduleNow(11h) error = %v, want ErrInvalidDuration", err)
	}
	if _, err := f.ctl.ScheduleNow(ctx, 999, time.Minute, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ScheduleNow(unknown relay) error = %v, want ErrNotFound", err)
	}

	h, err := f.ctl.ScheduleNow(ctx, f.relay.ID, 5*time.Minute, "test")
	if err != nil {
		t.Fatalf("ScheduleNow error: %v", err)
	}
	eventually(t, "relay on", func() bool { return f.dummy.Active("1") })
	if n := f.ctl.Deactivate(f.relay.ID); n != 1 {
		t.Fatalf("Deactivate = %d, want 1", n)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle not done after Deactivate")
	}
	if f.dummy.Active("1") {
		t.Fatal("relay still on")
	}
}

func TestExecuteNowSkipsZeroDuration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)

	sensor := storage.Sensor{Name: "soil", ProviderID: "dummy", Config: "1"}
	if err := f.store.CreateSensor(ctx, &sensor); err != nil {
		t.Fatal(err)
	}
	for i, v := range []int{40, 50} {
		if err := f.store.AppendSensorValue(ctx, &storage.SensorValue{SensorID: sensor.ID, At: epoch.Add(time.Duration(i) * time.Minute), Value: v}); err != nil {
			t.Fatal(err)
		}
	}
	s := storage.Schedule{Name: "beds", Enabled: true, RelayID: f.relay.ID, DurationSeconds: 600,
		SensorID: &sensor.ID, SensorInfluence: 50, SensorChangeLimit: 5}
	if err := f.store.CreateSchedule(ctx, &s); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.ExecuteNow(ctx, s.ID); err != nil {
		t.Fatalf("ExecuteNow error: %v", err)
	}
	if logs, _ := f.store.RecentScheduleLogs(ctx, s.ID, 10); len(logs) != 0 {
		t.Fatalf("skipped run wrote %d log rows", len(logs))
	}
	if len(f.dummy.Calls()) != 0 {
		t.Fatal("relay touched for a zero duration")
	}
}

func TestExecuteNowRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)

	orphan := storage.Relay{Name: "orphan", ProviderID: "nonexistent", Config: "1"}
	if err := f.store.CreateRelay(ctx, &orphan); err != nil {
		t.Fatal(err)
	}
	s := storage.Schedule{Name: "orphaned", Enabled: true, RelayID: orphan.ID, DurationSeconds: 60}
	if err := f.store.CreateSchedule(ctx, &s); err != nil {
		t.Fatal(err)
	}
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	if err := f.ctl.ExecuteNow(ctx, s.ID); !errors.Is(err, provider.ErrInvalidProviderID) {
		t.Fatalf("ExecuteNow error = %v, want ErrInvalidProviderID", err)
	}
	if logs, _ := f.store.RecentScheduleLogs(ctx, s.ID, 10); len(logs) != 0 {
		t.Fatalf("rejected run wrote %d log rows", len(logs))
	}
	if f.reg.Pending(ScheduleKey(s.ID)) != 0 {
		t.Fatal("pulse registered for a rejected run")
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.PulseSkipped {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.PulseSkipped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pulse.skipped event")
	}

	if _, err := f.ctl.ScheduleNow(ctx, orphan.ID, time.Minute, ""); !errors.Is(err, provider.ErrInvalidProviderID) {
		t.Fatalf("ScheduleNow error = %v, want ErrInvalidProviderID", err)
	}
	if len(f.dummy.Calls()) != 0 {
		t.Fatal("relay touched for an unknown provider")
	}
}

func TestNextActivations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, epoch)
	s := f.schedule(t, "30 6 * * *", 60)
	got, err := f.ctl.NextActivations(ctx, s.ID, 2)
	if err != nil {
		t.Fatalf("NextActivations error: %v", err)
	}
	want := []time.Time{epoch.Add(30 * time.Minute), epoch.Add(24*time.Hour + 30*time.Minute)}
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("NextActivations = %v, want %v", got, want)
	}
}
