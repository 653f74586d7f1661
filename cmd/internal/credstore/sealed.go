package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// saltKey holds the KDF salt inside the wrapped store. It is never sealed.
const saltKey = "__credstore_salt"

// KDFParams are the Argon2id parameters used to derive the sealing key.
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// DefaultKDFParams mirrors the password hashing defaults.
func DefaultKDFParams() KDFParams {
	p := runtime.NumCPU()
	if p < 1 {
		p = 1
	}
	if p > 4 {
		p = 4
	}
	return KDFParams{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: uint8(p),
		SaltLength:  16,
	}
}

func (p KDFParams) validate() error {
	if p.MemoryKiB < 8*1024 {
		return errors.New("credstore: kdf memory must be >= 8 MiB")
	}
	if p.Iterations < 1 {
		return errors.New("credstore: kdf iterations must be >= 1")
	}
	if p.Parallelism < 1 {
		return errors.New("credstore: kdf parallelism must be >= 1")
	}
	if p.SaltLength < 16 {
		return errors.New("credstore: kdf salt length must be >= 16")
	}
	return nil
}

// Sealed encrypts values with XChaCha20-Poly1305 before handing them to the
// wrapped Store. The entry key is bound as associated data, so a value moved
// to another key fails to open.
type Sealed struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealed derives the sealing key from passphrase and the salt persisted in
// inner, creating the salt on first use.
func NewSealed(ctx context.Context, inner Store, passphrase string, params KDFParams) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("credstore: nil inner store")
	}
	if passphrase == "" {
		return nil, errors.New("credstore: empty passphrase")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	salt, err := loadOrCreateSalt(ctx, inner, params.SaltLength)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.MemoryKiB, params.Parallelism, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: init aead: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func loadOrCreateSalt(ctx context.Context, inner Store, n uint32) ([]byte, error) {
	enc, err := inner.Get(ctx, saltKey)
	switch {
	case err == nil:
		salt, derr := base64.RawStdEncoding.DecodeString(enc)
		if derr != nil || len(salt) < 16 {
			return nil, errors.New("credstore: corrupt salt")
		}
		return salt, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("credstore: salt: %w", err)
	}
	if err := inner.Set(ctx, saltKey, base64.RawStdEncoding.EncodeToString(salt), 0); err != nil {
		return nil, err
	}
	return salt, nil
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	enc, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	raw, err := base64.RawStdEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrSealed
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", ErrSealed
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(key))
	if err != nil {
		return "", ErrSealed
	}
	return string(plain), nil
}

func (s *Sealed) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if key == saltKey {
		return errors.New("credstore: reserved key")
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credstore: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.Set(ctx, key, base64.RawStdEncoding.EncodeToString(sealed), ttl)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}
