package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveConversation is returned by compose intents when nothing is open.
	ErrNoActiveConversation = errors.New("reconcile: no active conversation")

	// ErrNoSession is returned by Bootstrap when there is no valid token and no credentials to log in with.
	ErrNoSession = errors.New("reconcile: no session")
)

// MalformedEventError describes an inbound event that failed validation and was dropped.
type MalformedEventError struct {
	Type string
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("reconcile: malformed %s event: %v", e.Type, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Fault is a failure the UI may want to surface. Faults never block the engine.
type Fault struct {
	Op             string
	ConversationID string
	Err            error
	At             time.Time
}
