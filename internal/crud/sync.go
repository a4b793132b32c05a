package crud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sprinkler/internal/config"
	"sprinkler/internal/storage"
	logx "sprinkler/pkg/logx"
)

// SyncResult counts what Sync changed.
type SyncResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
}

// Sync upserts the declared inventory by name. Rows whose content already
// matches are left alone so listeners only hear about real changes. With
// inv.Prune set, undeclared rows are deleted afterwards. Sync keeps going
// after a failing item and returns all errors joined.
func (s *Service) Sync(ctx context.Context, inv *config.InventoryConfig) (SyncResult, error) {
	var res SyncResult
	if inv == nil {
		return res, nil
	}
	var errs []error

	relayIDs := map[string]int64{}
	for _, spec := range inv.Relays {
		id, err := s.syncRelay(ctx, spec, &res)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay %q: %w", spec.Name, err))
			continue
		}
		relayIDs[spec.Name] = id
	}

	sensorIDs := map[string]int64{}
	for _, spec := range inv.Sensors {
		id, err := s.syncSensor(ctx, spec, &res)
		if err != nil {
			errs = append(errs, fmt.Errorf("sensor %q: %w", spec.Name, err))
			continue
		}
		sensorIDs[spec.Name] = id
	}

	scheduleNames := map[string]bool{}
	for _, spec := range inv.Schedules {
		scheduleNames[spec.Name] = true
		if err := s.syncSchedule(ctx, spec, relayIDs, sensorIDs, &res); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", spec.Name, err))
		}
	}

	if inv.Prune && len(errs) == 0 {
		errs = append(errs, s.prune(ctx, relayIDs, sensorIDs, scheduleNames, &res)...)
	}

	s.log.Info("inventory synced",
		logx.Int("created", res.Created),
		logx.Int("updated", res.Updated),
		logx.Int("deleted", res.Deleted),
		logx.Int("unchanged", res.Unchanged),
		logx.Int("errors", len(errs)),
	)
	return res, errors.Join(errs...)
}

func (s *Service) syncRelay(ctx context.Context, spec config.RelaySpec, res *SyncResult) (int64, error) {
	want := storage.Relay{Name: spec.Name, ProviderID: spec.Provider, Config: spec.Config}
	cur, err := s.store.GetRelayByName(ctx, spec.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := s.CreateRelay(ctx, &want); err != nil {
			return 0, err
		}
		res.Created++
		return want.ID, nil
	case err != nil:
		return 0, err
	}
	if cur.ProviderID == want.ProviderID && cur.Config == want.Config {
		res.Unchanged++
		return cur.ID, nil
	}
	want.ID, want.Version = cur.ID, cur.Version
	if err := s.UpdateRelay(ctx, &want); err != nil {
		return 0, err
	}
	res.Updated++
	return want.ID, nil
}

func (s *Service) syncSensor(ctx context.Context, spec config.SensorSpec, res *SyncResult) (int64, error) {
	want := storage.Sensor{Name: spec.Name, ProviderID: spec.Provider, Config: spec.Config, Cron: spec.Cron}
	cur, err := s.store.GetSensorByName(ctx, spec.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := s.CreateSensor(ctx, &want); err != nil {
			return 0, err
		}
		res.Created++
		return want.ID, nil
	case err != nil:
		return 0, err
	}
	if cur.ProviderID == want.ProviderID && cur.Config == want.Config && cur.Cron == want.Cron {
		res.Unchanged++
		return cur.ID, nil
	}
	want.ID, want.Version = cur.ID, cur.Version
	if err := s.UpdateSensor(ctx, &want); err != nil {
		return 0, err
	}
	res.Updated++
	return want.ID, nil
}

func (s *Service) syncSchedule(ctx context.Context, spec config.ScheduleSpec, relayIDs, sensorIDs map[string]int64, res *SyncResult) error {
	relayID, ok := relayIDs[spec.Relay]
	if !ok {
		return invalid("relay", fmt.Sprintf("relay %q not synced", spec.Relay), nil)
	}
	d, err := time.ParseDuration(spec.Duration)
	if err != nil {
		return invalid("duration", "not a duration", err)
	}
	if d%time.Second != 0 {
		return invalid("duration", "must be whole seconds", nil)
	}
	want := storage.Schedule{
		Name:              spec.Name,
		Enabled:           spec.IsEnabled(),
		RelayID:           relayID,
		DurationSeconds:   int(d / time.Second),
		SensorInfluence:   spec.SensorInfluence,
		SensorChangeLimit: spec.SensorChangeLimit,
		RainFactor:        spec.RainFactor,
		Cron:              spec.Cron,
	}
	if spec.Sensor != "" {
		id, ok := sensorIDs[spec.Sensor]
		if !ok {
			return invalid("sensor", fmt.Sprintf("sensor %q not synced", spec.Sensor), nil)
		}
		want.SensorID = &id
	}

	cur, err := s.store.GetScheduleByName(ctx, spec.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := s.CreateSchedule(ctx, &want); err != nil {
			return err
		}
		res.Created++
		return nil
	case err != nil:
		return err
	}
	want.ID, want.Version = cur.ID, cur.Version
	if sameSchedule(cur, want) {
		res.Unchanged++
		return nil
	}
	if err := s.UpdateSchedule(ctx, &want); err != nil {
		return err
	}
	res.Updated++
	return nil
}

func sameSchedule(a, b storage.Schedule) bool {
	sameSensor := (a.SensorID == nil && b.SensorID == nil) ||
		(a.SensorID != nil && b.SensorID != nil && *a.SensorID == *b.SensorID)
	a.SensorID, b.SensorID = nil, nil
	return sameSensor && a == b
}

// prune deletes in dependency order: schedules, then sensors, then relays.
func (s *Service) prune(ctx context.Context, relayIDs, sensorIDs map[string]int64, scheduleNames map[string]bool, res *SyncResult) []error {
	var errs []error
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return []error{err}
	}
	for _, sc := range schedules {
		if scheduleNames[sc.Name] {
			continue
		}
		if err := s.DeleteSchedule(ctx, sc.ID); err != nil {
			errs = append(errs, fmt.Errorf("prune schedule %q: %w", sc.Name, err))
			continue
		}
		res.Deleted++
	}

	sensors, err := s.store.ListSensors(ctx)
	if err != nil {
		return append(errs, err)
	}
	for _, v := range sensors {
		if _, ok := sensorIDs[v.Name]; ok {
			continue
		}
		if err := s.DeleteSensor(ctx, v.ID); err != nil {
			errs = append(errs, fmt.Errorf("prune sensor %q: %w", v.Name, err))
			continue
		}
		res.Deleted++
	}

	relays, err := s.store.ListRelays(ctx)
	if err != nil {
		return append(errs, err)
	}
	for _, r := range relays {
		if _, ok := relayIDs[r.Name]; ok {
			continue
		}
		if err := s.DeleteRelay(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("prune relay %q: %w", r.Name, err))
			continue
		}
		res.Deleted++
	}
	return errs
}
