package storage

import (
	"context"
	"fmt"
	"time"
)

func (s *sqliteStore) AppendSensorValue(ctx context.Context, v *SensorValue) error {
	if v.At.IsZero() {
		v.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_value(sensor_id, at, value) VALUES(?, ?, ?)`,
		v.SensorID, v.At.UnixMilli(), v.Value)
	if err != nil {
		return mapErr(err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sensor_value WHERE at < ?`, RetentionCutoff(v.At).UnixMilli()); err != nil {
		return fmt.Errorf("prune sensor values: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentSensorValues(ctx context.Context, sensorID int64, n int) ([]SensorValue, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sensor_id, at, value FROM sensor_value
		 WHERE sensor_id = ? ORDER BY at DESC, id DESC LIMIT ?`, sensorID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SensorValue
	for rows.Next() {
		var (
			v  SensorValue
			at int64
		)
		if err := rows.Scan(&v.ID, &v.SensorID, &at, &v.Value); err != nil {
			return nil, err
		}
		v.At = time.UnixMilli(at)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendScheduleLog(ctx context.Context, l *ScheduleLog) error {
	if l.Start.IsZero() {
		l.Start = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_log(schedule_id, relay_name, start, duration_millis) VALUES(?, ?, ?, ?)`,
		l.ScheduleID, l.RelayName, l.Start.UnixMilli(), l.DurationMillis)
	if err != nil {
		return err
	}
	if l.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_log WHERE start < ?`, RetentionCutoff(l.Start).UnixMilli()); err != nil {
		return fmt.Errorf("prune schedule logs: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentScheduleLogs(ctx context.Context, scheduleID int64, n int) ([]ScheduleLog, error) {
	if n <= 0 {
		return nil, nil
	}
	q := `SELECT id, schedule_id, relay_name, start, duration_millis FROM schedule_log`
	args := []any{}
	if scheduleID != 0 {
		q += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	q += ` ORDER BY start DESC, id DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduleLog
	for rows.Next() {
		var (
			l     ScheduleLog
			start int64
		)
		if err := rows.Scan(&l.ID, &l.ScheduleID, &l.RelayName, &start, &l.DurationMillis); err != nil {
			return nil, err
		}
		l.Start = time.UnixMilli(start)
		out = append(out, l)
	}
	return out, rows.Err()
}
