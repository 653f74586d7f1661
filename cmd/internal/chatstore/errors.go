package chatstore

import "errors"

var (
	// ErrUnknownConversation is returned when an operation references a conversation id the store never saw.
	ErrUnknownConversation = errors.New("chatstore: unknown conversation")

	// ErrNotActive is returned when a message-list mutation targets a conversation that is not open.
	ErrNotActive = errors.New("chatstore: conversation not active")

	// ErrOpen is returned when a summary-only update targets the open conversation.
	ErrOpen = errors.New("chatstore: conversation is open")

	// ErrStale is returned when a history result arrives for a selection the user already left.
	ErrStale = errors.New("chatstore: stale selection")

	// ErrInvalidMessage is returned for messages that violate the addressing invariant.
	ErrInvalidMessage = errors.New("chatstore: invalid message")
)
