package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "sprinkler/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "sprinkler.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) error = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("Open(postgres) error = nil")
	}
}

func TestRelayOptimisticLocking(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	r := Relay{Name: "front", ProviderID: "dummy", Config: "1"}
	if err := st.CreateRelay(ctx, &r); err != nil {
		t.Fatalf("CreateRelay error: %v", err)
	}
	stale := r

	r.Config = "2"
	if err := st.UpdateRelay(ctx, &r); err != nil {
		t.Fatalf("UpdateRelay error: %v", err)
	}
	if r.Version != 1 {
		t.Fatalf("Version = %d, want 1", r.Version)
	}

	stale.Config = "3"
	if err := st.UpdateRelay(ctx, &stale); !errors.Is(err, ErrOptimisticConflict) {
		t.Fatalf("stale UpdateRelay error = %v, want ErrOptimisticConflict", err)
	}
	got, err := st.GetRelay(ctx, r.ID)
	if err != nil || got.Config != "2" {
		t.Fatalf("GetRelay = %+v, %v", got, err)
	}

	missing := Relay{ID: 999, Name: "x", ProviderID: "dummy"}
	if err := st.UpdateRelay(ctx, &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateRelay(missing) error = %v, want ErrNotFound", err)
	}
	if err := st.DeleteRelay(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteRelay(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDuplicateName(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	a := Sensor{Name: "rain", ProviderID: "dummy", Config: "5"}
	if err := st.CreateSensor(ctx, &a); err != nil {
		t.Fatalf("CreateSensor error: %v", err)
	}
	b := Sensor{Name: "rain", ProviderID: "dummy"}
	if err := st.CreateSensor(ctx, &b); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate CreateSensor error = %v, want ErrDuplicateName", err)
	}
}

func TestScheduleRoundTripWithSensor(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	r := Relay{Name: "back", ProviderID: "dummy"}
	_ = st.CreateRelay(ctx, &r)
	sen := Sensor{Name: "soil", ProviderID: "dummy", Config: "40"}
	_ = st.CreateSensor(ctx, &sen)

	s := Schedule{Name: "morning", Enabled: true, RelayID: r.ID, DurationSeconds: 600, SensorID: &sen.ID,
		SensorInfluence: 50, SensorChangeLimit: 5, RainFactor: 10, Cron: "0 6 * * *"}
	if err := st.CreateSchedule(ctx, &s); err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}
	got, err := st.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule error: %v", err)
	}
	if got.SensorID == nil || *got.SensorID != sen.ID || !got.Enabled || got.Duration() != 10*time.Minute {
		t.Fatalf("GetSchedule = %+v", got)
	}

	got.SensorID = nil
	got.Enabled = false
	if err := st.UpdateSchedule(ctx, &got); err != nil {
		t.Fatalf("UpdateSchedule error: %v", err)
	}
	again, _ := st.GetScheduleByName(ctx, "morning")
	if again.SensorID != nil || again.Enabled || again.Version != 1 {
		t.Fatalf("after update = %+v", again)
	}

	bad := Schedule{Name: "orphan", Enabled: true, RelayID: 12345, DurationSeconds: 60}
	if err := st.CreateSchedule(ctx, &bad); err == nil {
		t.Fatal("CreateSchedule with unknown relay succeeded")
	}
}

func TestHistoryRetention(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	sen := Sensor{Name: "gauge", ProviderID: "dummy"}
	_ = st.CreateSensor(ctx, &sen)

	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	old := now.AddDate(0, -3, 0)
	for _, v := range []SensorValue{
		{SensorID: sen.ID, At: old, Value: 1},
		{SensorID: sen.ID, At: now.Add(-time.Hour), Value: 40},
		{SensorID: sen.ID, At: now, Value: 50},
	} {
		v := v
		if err := st.AppendSensorValue(ctx, &v); err != nil {
			t.Fatalf("AppendSensorValue error: %v", err)
		}
	}
	vals, err := st.RecentSensorValues(ctx, sen.ID, 10)
	if err != nil {
		t.Fatalf("RecentSensorValues error: %v", err)
	}
	if len(vals) != 2 || vals[0].Value != 50 || vals[1].Value != 40 {
		t.Fatalf("values = %+v", vals)
	}

	for _, l := range []ScheduleLog{
		{ScheduleID: 1, RelayName: "front", Start: old, DurationMillis: 1},
		{ScheduleID: 1, RelayName: "front", Start: now, DurationMillis: 600000},
		{ScheduleID: 2, RelayName: "back", Start: now.Add(time.Minute), DurationMillis: 1000},
	} {
		l := l
		if err := st.AppendScheduleLog(ctx, &l); err != nil {
			t.Fatalf("AppendScheduleLog error: %v", err)
		}
	}
	all, _ := st.RecentScheduleLogs(ctx, 0, 10)
	if len(all) != 2 || all[0].ScheduleID != 2 {
		t.Fatalf("logs = %+v", all)
	}
	one, _ := st.RecentScheduleLogs(ctx, 1, 10)
	if len(one) != 1 || one[0].DurationMillis != 600000 || !one[0].Start.Equal(now) {
		t.Fatalf("logs(1) = %+v", one)
	}
}

func TestRetentionCutoff(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if got, want := RetentionCutoff(now), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("RetentionCutoff = %v, want %v", got, want)
	}
}
