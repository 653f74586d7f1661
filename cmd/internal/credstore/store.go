// Package credstore is an opaque key/value store with per-entry expiry for
// session credentials. Expired entries read as ErrNotFound and are purged lazily.
package credstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for missing or expired keys.
	ErrNotFound = errors.New("credstore: not found")

	// ErrSealed is returned when a sealed value cannot be opened (wrong passphrase or tampering).
	ErrSealed = errors.New("credstore: cannot open sealed value")
)

// Store is implemented by every backend. A ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type options struct {
	now    func() time.Time
	schema string
}

// Option configures a backend.
type Option func(*options) error

// WithClock overrides time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now != nil {
			o.now = now
		}
		return nil
	}
}

// WithSchema sets the Postgres schema (default "chatsync"). Other backends ignore it.
func WithSchema(schema string) Option {
	return func(o *options) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("credstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("credstore: invalid schema identifier")
		}
		o.schema = schema
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		now:    func() time.Time { return time.Now().UTC() },
		schema: "chatsync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("credstore: empty key")
	}
	return nil
}

// expiry converts a ttl into an absolute deadline; zero means never.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, deadline time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
