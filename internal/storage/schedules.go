package storage

import (
	"context"
	"database/sql"
)

const scheduleCols = `id, version, name, enabled, relay_id, duration_seconds, sensor_id,
	sensor_influence, sensor_change_limit, rain_factor, cron`

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		s      Schedule
		sensor sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Version, &s.Name, &s.Enabled, &s.RelayID, &s.DurationSeconds, &sensor,
		&s.SensorInfluence, &s.SensorChangeLimit, &s.RainFactor, &s.Cron)
	if sensor.Valid {
		id := sensor.Int64
		s.SensorID = &id
	}
	return s, err
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, v *Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule(version, name, enabled, relay_id, duration_seconds, sensor_id,
			sensor_influence, sensor_change_limit, rain_factor, cron)
		 VALUES(0, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Name, v.Enabled, v.RelayID, v.DurationSeconds, nullID(v.SensorID),
		v.SensorInfluence, v.SensorChangeLimit, v.RainFactor, v.Cron)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	v.ID, v.Version = id, 0
	return nil
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, v *Schedule) error {
	err := s.updateVersioned(ctx, "schedule", v.ID, v.Version,
		`name = ?, enabled = ?, relay_id = ?, duration_seconds = ?, sensor_id = ?,
		 sensor_influence = ?, sensor_change_limit = ?, rain_factor = ?, cron = ?`,
		v.Name, v.Enabled, v.RelayID, v.DurationSeconds, nullID(v.SensorID),
		v.SensorInfluence, v.SensorChangeLimit, v.RainFactor, v.Cron)
	if err == nil {
		v.Version++
	}
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "schedule", id)
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id int64) (Schedule, error) {
	v, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedule WHERE id = ?`, id))
	return v, notFound(err, "schedule", id)
}

func (s *sqliteStore) GetScheduleByName(ctx context.Context, name string) (Schedule, error) {
	v, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedule WHERE name = ?`, name))
	return v, notFound(err, "schedule", name)
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedule ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		v, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
