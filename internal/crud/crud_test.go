package crud

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/config"
	"sprinkler/internal/relay"
	"sprinkler/internal/sensor"
	"sprinkler/internal/storage"
	logx "sprinkler/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recorder) add(op string, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, op+":"+name)
	return r.err
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) ScheduleCreated(_ context.Context, s storage.Schedule) error {
	return r.add("schedule.created", s.Name)
}
func (r *recorder) ScheduleUpdated(_ context.Context, s storage.Schedule) error {
	return r.add("schedule.updated", s.Name)
}
func (r *recorder) ScheduleDeleted(_ context.Context, s storage.Schedule) error {
	return r.add("schedule.deleted", s.Name)
}
func (r *recorder) SensorCreated(_ context.Context, s storage.Sensor) error {
	return r.add("sensor.created", s.Name)
}
func (r *recorder) SensorUpdated(_ context.Context, s storage.Sensor) error {
	return r.add("sensor.updated", s.Name)
}
func (r *recorder) SensorDeleted(_ context.Context, s storage.Sensor) error {
	return r.add("sensor.deleted", s.Name)
}

func newService(t *testing.T) (*Service, storage.Store, *recorder) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "crud.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	relays, err := relay.NewActuator(logx.Nop(), relay.NewDummy())
	if err != nil {
		t.Fatal(err)
	}
	sensors, err := sensor.NewProviders(sensor.NewDummy(clock.NewFake(time.Unix(0, 0))))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	svc := New(st, relays, sensors, logx.Nop())
	svc.AddScheduleListener(rec)
	svc.AddSensorListener(rec)
	return svc, st, rec
}

func TestRelayValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		relay storage.Relay
		field string
	}{
		{name: "ok", relay: storage.Relay{Name: "front", ProviderID: "dummy", Config: "1"}},
		{name: "empty name", relay: storage.Relay{Name: " ", ProviderID: "dummy", Config: "1"}, field: "name"},
		{name: "long name", relay: storage.Relay{Name: strings.Repeat("x", 33), ProviderID: "dummy", Config: "1"}, field: "name"},
		{name: "32 multibyte runes", relay: storage.Relay{Name: strings.Repeat("ä", 32), ProviderID: "dummy", Config: "1"}},
		{name: "long config", relay: storage.Relay{Name: "a", ProviderID: "dummy", Config: strings.Repeat("1", 129)}, field: "config"},
		{name: "unknown provider", relay: storage.Relay{Name: "a", ProviderID: "nope", Config: "1"}, field: "config"},
		{name: "empty config", relay: storage.Relay{Name: "a", ProviderID: "dummy"}, field: "config"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _, _ := newService(t)
			r := tt.relay
			err := svc.CreateRelay(context.Background(), &r)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("CreateRelay error: %v", err)
				}
				if r.ID == 0 {
					t.Fatalf("ID not assigned")
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()
	r := storage.Relay{Name: "front", ProviderID: "dummy", Config: "1"}
	if err := svc.CreateRelay(ctx, &r); err != nil {
		t.Fatal(err)
	}
	missing := int64(99)

	base := storage.Schedule{Name: "lawn", Enabled: true, RelayID: r.ID, DurationSeconds: 600, Cron: "0 6 * * *"}
	tests := []struct {
		name  string
		edit  func(*storage.Schedule)
		field string
	}{
		{name: "zero duration", edit: func(s *storage.Schedule) { s.DurationSeconds = 0 }, field: "duration"},
		{name: "too long", edit: func(s *storage.Schedule) { s.DurationSeconds = MaxDuration + 1 }, field: "duration"},
		{name: "negative influence", edit: func(s *storage.Schedule) { s.SensorInfluence = -1 }, field: "sensor_influence"},
		{name: "negative limit", edit: func(s *storage.Schedule) { s.SensorChangeLimit = -1 }, field: "sensor_change_limit"},
		{name: "negative rain", edit: func(s *storage.Schedule) { s.RainFactor = -1 }, field: "rain_factor"},
		{name: "bad cron", edit: func(s *storage.Schedule) { s.Cron = "every day" }, field: "cron"},
		{name: "unknown relay", edit: func(s *storage.Schedule) { s.RelayID = 99 }, field: "relay"},
		{name: "unknown sensor", edit: func(s *storage.Schedule) { s.SensorID = &missing }, field: "sensor"},
	}
	for _, tt := range tests {
		s := base
		tt.edit(&s)
		err := svc.CreateSchedule(ctx, &s)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != tt.field {
			t.Errorf("%s: error = %v, want field %q", tt.name, err, tt.field)
		}
	}

	s := base
	s.DurationSeconds = MaxDuration
	s.Cron = ""
	if err := svc.CreateSchedule(ctx, &s); err != nil {
		t.Fatalf("blank cron and max duration should be accepted: %v", err)
	}
}

func TestListenersFollowCommits(t *testing.T) {
	t.Parallel()
	svc, _, rec := newService(t)
	ctx := context.Background()

	r := storage.Relay{Name: "front", ProviderID: "dummy", Config: "1"}
	if err := svc.CreateRelay(ctx, &r); err != nil {
		t.Fatal(err)
	}
	v := storage.Sensor{Name: "soil", ProviderID: "dummy", Config: "42", Cron: "*/5 * * * *"}
	if err := svc.CreateSensor(ctx, &v); err != nil {
		t.Fatal(err)
	}
	s := storage.Schedule{Name: "lawn", Enabled: true, RelayID: r.ID, DurationSeconds: 60, SensorID: &v.ID, Cron: "0 6 * * *"}
	if err := svc.CreateSchedule(ctx, &s); err != nil {
		t.Fatal(err)
	}
	s.DurationSeconds = 120
	if err := svc.UpdateSchedule(ctx, &s); err != nil {
		t.Fatal(err)
	}

	stale := s
	stale.Version--
	if err := svc.UpdateSchedule(ctx, &stale); !errors.Is(err, storage.ErrOptimisticConflict) {
		t.Fatalf("stale update error = %v, want ErrOptimisticConflict", err)
	}

	if err := svc.DeleteSensor(ctx, v.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("DeleteSensor error = %v, want ErrInUse", err)
	}
	if err := svc.DeleteRelay(ctx, r.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("DeleteRelay error = %v, want ErrInUse", err)
	}
	if err := svc.DeleteSchedule(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteSensor(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteRelay(ctx, r.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"sensor.created:soil",
		"schedule.created:lawn",
		"schedule.updated:lawn",
		"schedule.deleted:lawn",
		"sensor.deleted:soil",
	}
	if got := rec.list(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestListenerErrorDoesNotFailCommit(t *testing.T) {
	t.Parallel()
	svc, st, rec := newService(t)
	rec.err = errors.New("registry down")
	ctx := context.Background()

	v := storage.Sensor{Name: "soil", ProviderID: "dummy", Config: "1"}
	if err := svc.CreateSensor(ctx, &v); err != nil {
		t.Fatalf("CreateSensor error: %v", err)
	}
	if _, err := st.GetSensor(ctx, v.ID); err != nil {
		t.Fatalf("sensor not stored: %v", err)
	}
}

func TestDuplicateName(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()
	a := storage.Relay{Name: "front", ProviderID: "dummy", Config: "1"}
	b := storage.Relay{Name: "front", ProviderID: "dummy", Config: "2"}
	if err := svc.CreateRelay(ctx, &a); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreateRelay(ctx, &b); !errors.Is(err, storage.ErrDuplicateName) {
		t.Fatalf("error = %v, want ErrDuplicateName", err)
	}
}

func inventory() *config.InventoryConfig {
	return &config.InventoryConfig{
		Relays: []config.RelaySpec{
			{Name: "front", Provider: "dummy", Config: "1"},
			{Name: "back", Provider: "dummy", Config: "2"},
		},
		Sensors: []config.SensorSpec{
			{Name: "soil", Provider: "dummy", Config: "40", Cron: "*/10 * * * *"},
		},
		Schedules: []config.ScheduleSpec{
			{Name: "lawn", Relay: "front", Duration: "10m", Sensor: "soil", SensorInfluence: 5, Cron: "0 6 * * *"},
			{Name: "beds", Relay: "back", Duration: "90s", RainFactor: 10, Cron: "30 6 * * *"},
		},
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, st, rec := newService(t)
	ctx := context.Background()

	res, err := svc.Sync(ctx, inventory())
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if res.Created != 5 {
		t.Fatalf("created = %d, want 5", res.Created)
	}
	lawn, err := st.GetScheduleByName(ctx, "lawn")
	if err != nil {
		t.Fatal(err)
	}
	if lawn.DurationSeconds != 600 || lawn.SensorID == nil || !lawn.Enabled {
		t.Fatalf("lawn = %+v", lawn)
	}

	before := len(rec.list())
	res, err = svc.Sync(ctx, inventory())
	if err != nil {
		t.Fatalf("second Sync error: %v", err)
	}
	if res.Unchanged != 5 || res.Created+res.Updated+res.Deleted != 0 {
		t.Fatalf("second sync = %+v, want all unchanged", res)
	}
	if len(rec.list()) != before {
		t.Fatalf("listeners notified on unchanged sync: %v", rec.list()[before:])
	}

	inv := inventory()
	off := false
	inv.Schedules[1].Enabled = &off
	res, err = svc.Sync(ctx, inv)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Fatalf("updated = %d, want 1", res.Updated)
	}
	got := rec.list()
	if got[len(got)-1] != "schedule.updated:beds" {
		t.Fatalf("last event = %q", got[len(got)-1])
	}
}

func TestSyncPrune(t *testing.T) {
	t.Parallel()
	svc, st, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Sync(ctx, inventory()); err != nil {
		t.Fatal(err)
	}

	inv := inventory()
	inv.Schedules = inv.Schedules[:1]
	inv.Relays = inv.Relays[:1]
	if _, err := svc.Sync(ctx, inv); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetScheduleByName(ctx, "beds"); err != nil {
		t.Fatalf("without prune beds should remain: %v", err)
	}

	inv.Prune = true
	res, err := svc.Sync(ctx, inv)
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("deleted = %d, want 2", res.Deleted)
	}
	if _, err := st.GetRelayByName(ctx, "back"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("back relay error = %v, want ErrNotFound", err)
	}
}

func TestSyncReportsBadItems(t *testing.T) {
	t.Parallel()
	svc, st, _ := newService(t)
	ctx := context.Background()

	inv := inventory()
	inv.Schedules[0].Duration = "1500ms"
	inv.Relays[1].Config = ""
	_, err := svc.Sync(ctx, inv)
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{`relay "back"`, `schedule "lawn"`, `schedule "beds"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
	if _, err := st.GetRelayByName(ctx, "front"); err != nil {
		t.Fatalf("valid relay should be synced: %v", err)
	}
}
