package credstore

import (
	"context"
	"errors"
	"time"
)

const (
	// AuthTokenKey is the entry holding the session token.
	AuthTokenKey = "auth_token"

	// DefaultTokenTTL matches the backend's session lifetime.
	DefaultTokenTTL = 7 * 24 * time.Hour
)

// TokenSource exposes the session token stored under AuthTokenKey.
type TokenSource struct {
	store Store
	ttl   time.Duration
}

func NewTokenSource(store Store, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSource{store: store, ttl: ttl}
}

// Token returns "" with a nil error when no valid token is stored.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	tok, err := t.store.Get(ctx, AuthTokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return tok, err
}

func (t *TokenSource) Save(ctx context.Context, token string) error {
	if token == "" {
		return t.Clear(ctx)
	}
	return t.store.Set(ctx, AuthTokenKey, token, t.ttl)
}

func (t *TokenSource) Clear(ctx context.Context) error {
	return t.store.Delete(ctx, AuthTokenKey)
}
