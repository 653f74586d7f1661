// Package v1 defines the chat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// Field names follow the server's wire format (camelCase, "_id" for server ids).
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin binds the channel to the user's personal inbox (client -> server).
	TypeJoin = "join"
	// TypeJoinGroup binds the channel to a group inbox (client -> server).
	TypeJoinGroup = "join_group"

	// TypeSendMessage sends a personal message (client -> server).
	TypeSendMessage = "send_message"
	// TypeSendGroupMessage sends a group message (client -> server).
	TypeSendGroupMessage = "send_group_message"

	// TypeTyping and TypeStopTyping announce local compose activity (client -> server).
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"

	// TypeReceiveMessage delivers a personal message (server -> client).
	TypeReceiveMessage = "receive_message"
	// TypeReceiveGroupMessage delivers a group message (server -> group members).
	TypeReceiveGroupMessage = "receive_group_message"

	// TypeMessagesRead carries the authoritative message list after a peer read (server -> client).
	TypeMessagesRead = "messages_read"

	// TypeUserStatus announces presence changes (server -> client).
	TypeUserStatus = "user_status"

	// TypeUserTyping and TypeUserStoppedTyping relay peer compose activity (server -> client).
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether t is part of the v1 contract.
func KnownType(t string) bool {
	switch t {
	case TypeJoin,
		TypeJoinGroup,
		TypeSendMessage,
		TypeSendGroupMessage,
		TypeTyping,
		TypeStopTyping,
		TypeReceiveMessage,
		TypeReceiveGroupMessage,
		TypeMessagesRead,
		TypeUserStatus,
		TypeUserTyping,
		TypeUserStoppedTyping,
		TypeError:
		return true
	default:
		return false
	}
}

// Inbound reports whether t is a server -> client type.
func Inbound(t string) bool {
	switch t {
	case TypeReceiveMessage,
		TypeReceiveGroupMessage,
		TypeMessagesRead,
		TypeUserStatus,
		TypeUserTyping,
		TypeUserStoppedTyping,
		TypeError:
		return true
	default:
		return false
	}
}
