package storage

import "context"

const sensorCols = `id, version, name, provider_id, config, cron`

func scanSensor(row rowScanner) (Sensor, error) {
	var s Sensor
	err := row.Scan(&s.ID, &s.Version, &s.Name, &s.ProviderID, &s.Config, &s.Cron)
	return s, err
}

func (s *sqliteStore) CreateSensor(ctx context.Context, v *Sensor) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor(version, name, provider_id, config, cron) VALUES(0, ?, ?, ?, ?)`,
		v.Name, v.ProviderID, v.Config, v.Cron)
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

func (s *sqliteStore) UpdateSensor(ctx context.Context, v *Sensor) error {
	err := s.updateVersioned(ctx, "sensor", v.ID, v.Version,
		"name = ?, provider_id = ?, config = ?, cron = ?", v.Name, v.ProviderID, v.Config, v.Cron)
	if err == nil {
		v.Version++
	}
	return err
}

func (s *sqliteStore) DeleteSensor(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "sensor", id)
}

func (s *sqliteStore) GetSensor(ctx context.Context, id int64) (Sensor, error) {
	v, err := scanSensor(s.db.QueryRowContext(ctx, `SELECT `+sensorCols+` FROM sensor WHERE id = ?`, id))
	return v, notFound(err, "sensor", id)
}

func (s *sqliteStore) GetSensorByName(ctx context.Context, name string) (Sensor, error) {
	v, err := scanSensor(s.db.QueryRowContext(ctx, `SELECT `+sensorCols+` FROM sensor WHERE name = ?`, name))
	return v, notFound(err, "sensor", name)
}

func (s *sqliteStore) ListSensors(ctx context.Context) ([]Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sensorCols+` FROM sensor ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sensor
	for rows.Next() {
		v, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
