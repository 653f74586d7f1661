package realtime

import (
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by every outbound operation while no channel is live.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrRateLimited is returned when the outbound window is full.
	ErrRateLimited = errors.New("realtime: rate limited")

	// ErrNoIdentity is returned by Reconnect before any Connect.
	ErrNoIdentity = errors.New("realtime: no identity bound")

	// ErrEmptyMessage is returned for sends with neither body nor attachment.
	ErrEmptyMessage = errors.New("realtime: empty message")

	// ErrMessageTooLong is returned for bodies over the per-message character limit.
	ErrMessageTooLong = errors.New("realtime: message too long")

	// ErrInvalidTarget is returned when a target has neither or both of recipient and group.
	ErrInvalidTarget = errors.New("realtime: invalid target")
)

// Target addresses a typing signal or a send: exactly one field is set.
type Target struct {
	RecipientID string
	GroupID     string
}

// Direct targets a personal conversation.
func Direct(userID string) Target { return Target{RecipientID: userID} }

// Group targets a group conversation.
func Group(groupID string) Target { return Target{GroupID: groupID} }

func (t Target) IsZero() bool { return t.RecipientID == "" && t.GroupID == "" }

func (t Target) IsGroup() bool { return t.GroupID != "" }

// ConversationID is the store key the target refers to.
func (t Target) ConversationID() string {
	if t.GroupID != "" {
		return t.GroupID
	}
	return t.RecipientID
}

func (t Target) validate() error {
	r, g := strings.TrimSpace(t.RecipientID), strings.TrimSpace(t.GroupID)
	if (r == "") == (g == "") {
		return ErrInvalidTarget
	}
	return nil
}
