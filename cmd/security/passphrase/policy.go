package passphrase

import (
	"strings"
	"unicode"
)

// Validate checks the passphrase against the policy. It does not mutate input.
func (c Config) Validate(pass string) error {
	n := len(pass)
	if n < c.Policy.MinLength {
		return ErrTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrTooLong
	}
	if c.Policy.RejectWeak && looksWeak(pass) {
		return ErrWeak
	}
	return nil
}

// looksWeak catches the obvious cases only.
func looksWeak(pass string) bool {
	s := strings.TrimSpace(pass)
	if s == "" {
		return true
	}

	distinct := make(map[rune]struct{}, 8)
	onlyDigits := true
	for _, r := range s {
		distinct[r] = struct{}{}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	if len(distinct) <= 2 || onlyDigits {
		return true
	}

	switch strings.ToLower(s) {
	case "password1234", "passphrase123", "123456789012", "qwertyuiop12", "correcthorse":
		return true
	}
	return false
}
