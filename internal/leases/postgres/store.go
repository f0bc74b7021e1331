package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/evm-coprocessor/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in Postgres. Expiry is judged by the database clock, so replicas with skewed
// clocks still agree on ownership.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.ValidateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO coprocessor_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now(),
			renewed_at = now()
		WHERE coprocessor_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttlMillis(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		held, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return held, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.ValidateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		UPDATE coprocessor_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			renewed_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMillis(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return leases.Lease{}, false, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM coprocessor_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	held, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	case held.Owner != owner:
		return leases.ErrNotOwner
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM coprocessor_leases WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
