package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SaveValidator inserts v or updates the stored descriptor with the same ID.
// CreatedAt is preserved on update.
func (d *DB) SaveValidator(ctx context.Context, v *ValidatorRecord) error {
	caps := v.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO validators (id, kind, capabilities, reputation, endpoint, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     kind = excluded.kind,
		     capabilities = excluded.capabilities,
		     reputation = excluded.reputation,
		     endpoint = excluded.endpoint,
		     updated_at = excluded.updated_at`,
		v.ID, v.Kind, string(capsJSON), v.Reputation, v.Endpoint, v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save validator: %w", err)
	}
	return nil
}

// GetValidator retrieves a validator by ID.
func (d *DB) GetValidator(ctx context.Context, id string) (*ValidatorRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, kind, capabilities, reputation, endpoint, created_at, updated_at
		 FROM validators WHERE id = ?`, id)
	v, err := scanValidator(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("get validator: %w", notFound(err))
	}
	return v, nil
}

// ListValidators returns all stored validators ordered by ID.
func (d *DB) ListValidators(ctx context.Context) ([]ValidatorRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, kind, capabilities, reputation, endpoint, created_at, updated_at
		 FROM validators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list validators: %w", err)
	}
	defer rows.Close()

	var validators []ValidatorRecord
	for rows.Next() {
		v, err := scanValidator(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan validator: %w", err)
		}
		validators = append(validators, *v)
	}
	return validators, rows.Err()
}

// UpdateValidatorReputation sets the stored reputation of a validator.
func (d *DB) UpdateValidatorReputation(ctx context.Context, id string, reputation float64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE validators SET reputation = ?, updated_at = ? WHERE id = ?`,
		reputation, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update validator reputation: %w", err)
	}
	return expectOne(res, "update validator reputation")
}

// DeleteValidator removes a validator by ID.
func (d *DB) DeleteValidator(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM validators WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete validator: %w", err)
	}
	return expectOne(res, "delete validator")
}

func scanValidator(scan func(dest ...any) error) (*ValidatorRecord, error) {
	var (
		v                ValidatorRecord
		caps             string
		created, updated int64
	)
	if err := scan(&v.ID, &v.Kind, &caps, &v.Reputation, &v.Endpoint, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &v.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	v.CreatedAt = time.Unix(created, 0).UTC()
	v.UpdatedAt = time.Unix(updated, 0).UTC()
	return &v, nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOne(res rowsAffected, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
