package api

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is wrapped by NetworkError for 401 responses. The stored token is already cleared.
var ErrUnauthorized = errors.New("api: unauthorized")

// NetworkError is returned for every failed collaborator call.
// Status is 0 when no HTTP response was received.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("api: %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err came from a collaborator call.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
