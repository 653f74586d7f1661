package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps credentials in <schema>.credentials.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("credstore: nil pool")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: o.schema, now: o.now}, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+s.table()+` (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  expires_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var (
		value   string
		expires *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM `+s.table()+` WHERE key = $1`, key,
	).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expires != nil && expired(s.now(), *expires) {
		// Guard on expires_at so a concurrent refresh is not deleted.
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM `+s.table()+` WHERE key = $1 AND expires_at = $2`, key, *expires,
		); err != nil {
			return "", err
		}
		return "", ErrNotFound
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	var expires *time.Time
	if d := expiry(s.now(), ttl); !d.IsZero() {
		expires = &d
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (key, value, expires_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, value, expires,
	)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE key = $1`, key)
	return err
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "credentials"}.Sanitize()
}
