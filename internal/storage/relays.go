package storage

import (
	"context"
)

const relayCols = `id, version, name, provider_id, config`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelay(row rowScanner) (Relay, error) {
	var r Relay
	err := row.Scan(&r.ID, &r.Version, &r.Name, &r.ProviderID, &r.Config)
	return r, err
}

func (s *sqliteStore) CreateRelay(ctx context.Context, r *Relay) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO relay(version, name, provider_id, config) VALUES(0, ?, ?, ?)`,
		r.Name, r.ProviderID, r.Config)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID, r.Version = id, 0
	return nil
}

func (s *sqliteStore) UpdateRelay(ctx context.Context, r *Relay) error {
	err := s.updateVersioned(ctx, "relay", r.ID, r.Version,
		"name = ?, provider_id = ?, config = ?", r.Name, r.ProviderID, r.Config)
	if err == nil {
		r.Version++
	}
	return err
}

func (s *sqliteStore) DeleteRelay(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "relay", id)
}

func (s *sqliteStore) GetRelay(ctx context.Context, id int64) (Relay, error) {
	r, err := scanRelay(s.db.QueryRowContext(ctx, `SELECT `+relayCols+` FROM relay WHERE id = ?`, id))
	return r, notFound(err, "relay", id)
}

func (s *sqliteStore) GetRelayByName(ctx context.Context, name string) (Relay, error) {
	r, err := scanRelay(s.db.QueryRowContext(ctx, `SELECT `+relayCols+` FROM relay WHERE name = ?`, name))
	return r, notFound(err, "relay", name)
}

func (s *sqliteStore) ListRelays(ctx context.Context) ([]Relay, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+relayCols+` FROM relay ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relay
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
