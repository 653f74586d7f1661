package passphrase

import "errors"

var (
	ErrTooShort        = errors.New("passphrase too short")
	ErrTooLong         = errors.New("passphrase too long")
	ErrWeak            = errors.New("weak passphrase")
	ErrInvalidVerifier = errors.New("invalid passphrase verifier")
	ErrMismatch        = errors.New("passphrase does not match stored verifier")
)
