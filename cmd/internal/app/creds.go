package app

import (
	"context"
	"errors"
	"fmt"

	"chatsync/cmd/internal/credstore"
	"chatsync/cmd/security/passphrase"

	"github.com/jackc/pgx/v5/pgxpool"
)

// verifierKey holds the passphrase verifier next to the sealed entries. It is never sealed.
const verifierKey = "__credstore_verifier"

// newCredStore picks Postgres, then SQLite, then memory, and seals the
// result when a passphrase is configured.
func newCredStore(ctx context.Context, cfg Config, log Logger) (credstore.Store, *pgxpool.Pool, error) {
	inner, pool, err := openCredBackend(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.CredPassphrase == "" {
		return inner, pool, nil
	}

	release := func() {
		_ = inner.Close()
		if pool != nil {
			pool.Close()
		}
	}

	pp := passphraseConfig(cfg)
	if err := checkPassphrase(ctx, inner, pp, cfg.CredPassphrase); err != nil {
		release()
		return nil, nil, err
	}

	sealed, err := credstore.NewSealed(ctx, inner, cfg.CredPassphrase, credstore.KDFParams{
		MemoryKiB:   pp.Params.MemoryKiB,
		Iterations:  pp.Params.Iterations,
		Parallelism: pp.Params.Parallelism,
		SaltLength:  pp.Params.SaltLength,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	log.Info("credstore.sealed")
	return sealed, pool, nil
}

func openCredBackend(ctx context.Context, cfg Config, log Logger) (credstore.Store, *pgxpool.Pool, error) {
	switch {
	case cfg.CredDatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		pg, err := credstore.NewPostgresStore(pool, credstore.WithSchema(cfg.CredSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("credstore.enabled", "backend", "postgres", "schema", cfg.CredSchema)
		return pg, pool, nil

	case cfg.CredSQLitePath != "":
		st, err := credstore.NewSQLiteStore(ctx, cfg.CredSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("credstore.enabled", "backend", "sqlite", "path", cfg.CredSQLitePath)
		return st, nil, nil

	default:
		st, err := credstore.NewMemoryStore()
		if err != nil {
			return nil, nil, err
		}
		log.Info("credstore.enabled", "backend", "memory")
		return st, nil, nil
	}
}

// checkPassphrase enrolls a verifier on first use and compares against it afterwards.
func checkPassphrase(ctx context.Context, st credstore.Store, pp passphrase.Config, pass string) error {
	enc, err := st.Get(ctx, verifierKey)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		enc, err = pp.NewVerifier(pass)
		if err != nil {
			return err
		}
		return st.Set(ctx, verifierKey, enc, 0)
	case err != nil:
		return err
	}

	if err := pp.Check(enc, pass); err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	return nil
}
