package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	credDBAppName     = "chatsync-credstore"
	credDBPingTimeout = 3 * time.Second
)

// NewDBPool opens the pool backing the Postgres credential store and makes
// sure one connection can be acquired.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.CredDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("credstore db: parse url: %w", err)
	}

	if cfg.CredDBMaxConns > 0 {
		pcfg.MaxConns = cfg.CredDBMaxConns
	}
	if cfg.CredDBMinConns >= 0 {
		pcfg.MinConns = min(cfg.CredDBMinConns, pcfg.MaxConns)
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = credDBAppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("credstore db: open: %w", err)
	}

	if err := pingDB(ctx, pool, credDBPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credstore db: ping: %w", err)
	}
	return pool, nil
}

func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
