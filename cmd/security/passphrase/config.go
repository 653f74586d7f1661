package passphrase

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id cost. MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds acceptable passphrases.
type Policy struct {
	// Lengths are in bytes: the passphrase is fed to the KDF as raw bytes.
	MinLength  int
	MaxLength  int
	RejectWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline used when no env override is present.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:  12,
			MaxLength:  1024,
			RejectWeak: true,
		},
	}
}

// IsZero reports whether c was never initialized.
func (c Config) IsZero() bool {
	return c == Config{}
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - CHATSYNC_CRED_PASSPHRASE_MIN_LEN
// - CHATSYNC_CRED_PASSPHRASE_MAX_LEN
// - CHATSYNC_CRED_PASSPHRASE_REJECT_WEAK (true/false)
// - CHATSYNC_CRED_KDF_MEMORY_KIB
// - CHATSYNC_CRED_KDF_ITERATIONS
// - CHATSYNC_CRED_KDF_PARALLELISM
// - CHATSYNC_CRED_KDF_SALT_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup("CHATSYNC_CRED_PASSPHRASE_MIN_LEN"); ok {
		n, err := atoiPositiveInt(v, 8, 1024)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_PASSPHRASE_MIN_LEN: %w", err)
		}
		cfg.Policy.MinLength = n
	}

	if v, ok := lookup("CHATSYNC_CRED_PASSPHRASE_MAX_LEN"); ok {
		n, err := atoiPositiveInt(v, 8, 4096)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_PASSPHRASE_MAX_LEN: %w", err)
		}
		cfg.Policy.MaxLength = n
	}

	if v, ok := lookup("CHATSYNC_CRED_PASSPHRASE_REJECT_WEAK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_PASSPHRASE_REJECT_WEAK: invalid boolean")
		}
		cfg.Policy.RejectWeak = b
	}

	if v, ok := lookup("CHATSYNC_CRED_KDF_MEMORY_KIB"); ok {
		u, err := atou32(v, 8*1024, 1024*1024) // 8 MiB .. 1 GiB
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_KDF_MEMORY_KIB: %w", err)
		}
		cfg.Params.MemoryKiB = u
	}

	if v, ok := lookup("CHATSYNC_CRED_KDF_ITERATIONS"); ok {
		u, err := atou32(v, 1, 20)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_KDF_ITERATIONS: %w", err)
		}
		cfg.Params.Iterations = u
	}

	if v, ok := lookup("CHATSYNC_CRED_KDF_PARALLELISM"); ok {
		u, err := atou32(v, 1, 64)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_KDF_PARALLELISM: %w", err)
		}
		p, err := u32ToU8(u)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_KDF_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = p
	}

	if v, ok := lookup("CHATSYNC_CRED_KDF_SALT_LEN"); ok {
		u, err := atou32(v, 16, 64)
		if err != nil {
			return Config{}, fmt.Errorf("CHATSYNC_CRED_KDF_SALT_LEN: %w", err)
		}
		cfg.Params.SaltLength = u
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"passphrase policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func atoiPositiveInt(s string, minVal, maxVal int) (int, error) {
	i64, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}

	i := int(i64)
	if i < minVal || i > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return i, nil
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}

	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}

func u32ToU8(u uint32) (uint8, error) {
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("out of range [0..%d]", math.MaxUint8)
	}
	return uint8(u), nil
}
