package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentinel-pma/sentinel/internal/types"
)

// PostgresStore is a PositionStore backed by the positions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db. The schema must already exist (see EnsureSchema).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordFirstSeen(ctx context.Context, key types.PositionKey, at time.Time) (time.Time, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return time.Time{}, err
	}
	if s.db == nil {
		return time.Time{}, fmt.Errorf("database not initialized")
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO positions (owner, protocol, token, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (owner, protocol, token) DO UPDATE SET owner = EXCLUDED.owner
		RETURNING first_seen_at;`

	var firstSeen time.Time
	if err := s.db.QueryRowContext(ctx, query, key.Owner, key.Protocol, key.Token, at).Scan(&firstSeen); err != nil {
		return time.Time{}, fmt.Errorf("failed to record first seen: %w", err)
	}
	return firstSeen.UTC(), nil
}

func (s *PostgresStore) UpdateMetrics(ctx context.Context, key types.PositionKey, valueUSD, apyPct float64, at time.Time) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO positions (owner, protocol, token, value_usd, apy_pct, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (owner, protocol, token) DO UPDATE SET
			value_usd = EXCLUDED.value_usd,
			apy_pct = EXCLUDED.apy_pct,
			last_seen_at = EXCLUDED.last_seen_at;`

	if _, err := s.db.ExecContext(ctx, query, key.Owner, key.Protocol, key.Token, valueUSD, apyPct, at); err != nil {
		return fmt.Errorf("failed to update position metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key types.PositionKey) (*types.TrackedPosition, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT owner, protocol, token, value_usd, apy_pct, first_seen_at, last_seen_at
		FROM positions
		WHERE owner = $1 AND protocol = $2 AND token = $3;`

	p, err := scanPosition(s.db.QueryRowContext(ctx, query, key.Owner, key.Protocol, key.Token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]types.TrackedPosition, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT owner, protocol, token, value_usd, apy_pct, first_seen_at, last_seen_at
		FROM positions
		WHERE owner = $1
		ORDER BY protocol, token;`

	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	out := make([]types.TrackedPosition, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	// Collation may differ from byte order; keep the ordering identical to the other stores.
	sortPositions(out)
	return out, nil
}

func (s *PostgresStore) Remove(ctx context.Context, key types.PositionKey) (bool, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return false, err
	}
	if s.db == nil {
		return false, fmt.Errorf("database not initialized")
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE owner = $1 AND protocol = $2 AND token = $3;`,
		key.Owner, key.Protocol, key.Token)
	if err != nil {
		return false, fmt.Errorf("failed to remove position: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.TrackedPosition, error) {
	var p types.TrackedPosition
	if err := row.Scan(&p.Owner, &p.Protocol, &p.Token, &p.ValueUSD, &p.APYPct, &p.FirstSeenAt, &p.LastSeenAt); err != nil {
		return nil, err
	}
	p.FirstSeenAt = p.FirstSeenAt.UTC()
	p.LastSeenAt = p.LastSeenAt.UTC()
	return &p, nil
}
