package chatstore

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of conversation kinds.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindGroup    Kind = "group"
)

// ParseKind normalizes a wire kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPersonal, "direct":
		return KindPersonal, nil
	case KindGroup:
		return KindGroup, nil
	default:
		return "", fmt.Errorf("chatstore: unknown conversation kind %q", s)
	}
}

// Presence is the peer status of a personal conversation.
type Presence string

const (
	PresenceUnknown Presence = ""
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// ParsePresence maps anything that is not "online" to offline.
func ParsePresence(s string) Presence {
	if strings.EqualFold(strings.TrimSpace(s), string(PresenceOnline)) {
		return PresenceOnline
	}
	return PresenceOffline
}

// MessageStatus is ordered: a message only ever moves forward.
type MessageStatus uint8

const (
	StatusSent MessageStatus = iota + 1
	StatusDelivered
	StatusRead
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "Sent"
	case StatusDelivered:
		return "Delivered"
	case StatusRead:
		return "Read"
	default:
		return "Unknown"
	}
}

func (s MessageStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MessageStatus) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// ParseStatus maps a wire status; unknown values fall back to Delivered
// because anything the server relays has at least been delivered.
func ParseStatus(s string) MessageStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return StatusSent
	case "read":
		return StatusRead
	default:
		return StatusDelivered
	}
}

// Merge returns the furthest of the two states.
func (s MessageStatus) Merge(o MessageStatus) MessageStatus {
	if o > s {
		return o
	}
	return s
}

// UserRef identifies a user plus the display fields the server resolves for it.
type UserRef struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

// DisplayName prefers the full name, then the username, then the id.
func (u UserRef) DisplayName() string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	if n := strings.TrimSpace(u.Username); n != "" {
		return n
	}
	return u.ID
}

// AttachmentLabel is the preview text for messages that only carry a file.
const AttachmentLabel = "File"

// Message is a stored chat message. Exactly one of RecipientID / GroupID is set.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Kind           Kind          `json:"kind"`
	Sender         UserRef       `json:"sender"`
	RecipientID    string        `json:"recipientId,omitempty"`
	GroupID        string        `json:"groupId,omitempty"`
	Body           string        `json:"body,omitempty"`
	AttachmentRef  string        `json:"attachmentRef,omitempty"`
	Status         MessageStatus `json:"status"`
	Read           bool          `json:"read"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Preview is the last-message text shown in conversation summaries.
func (m Message) Preview() string {
	if m.Body != "" {
		return m.Body
	}
	if m.AttachmentRef != "" {
		return AttachmentLabel
	}
	return ""
}

// UnreadFor reports whether m counts toward local's unread badge.
func (m Message) UnreadFor(local string) bool {
	return local != "" && m.RecipientID == local && !m.Read
}

// markRead flips m to its terminal read state.
func (m *Message) markRead() {
	m.Read = true
	m.Status = StatusRead
}

// normalize keeps Read and Status consistent with each other.
func (m *Message) normalize() {
	if m.Status == 0 {
		m.Status = StatusDelivered
	}
	if m.Read {
		m.Status = StatusRead
	}
	if m.Status == StatusRead {
		m.Read = true
	}
}

// absorb merges a redelivered copy of the same message without regressing read state.
func (m *Message) absorb(o Message) {
	status := m.Status.Merge(o.Status)
	read := m.Read || o.Read
	*m = o
	m.Status = status
	m.Read = read
	m.normalize()
}

// Conversation is a personal or group thread summary.
type Conversation struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	DisplayName        string    `json:"displayName"`
	AvatarRef          string    `json:"avatarRef,omitempty"`
	Members            []UserRef `json:"members,omitempty"`
	Admins             []string  `json:"admins,omitempty"`
	CreatedBy          string    `json:"createdBy,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageTime    time.Time `json:"lastMessageTime"`
	UnreadCount        int       `json:"unreadCount"`
	Presence           Presence  `json:"presence,omitempty"`

	// Stub is set for conversations materialized from an inbound reference
	// before the chat list carried their metadata.
	Stub bool `json:"stub,omitempty"`
}

func (c Conversation) clone() Conversation {
	out := c
	out.Members = append([]UserRef(nil), c.Members...)
	out.Admins = append([]string(nil), c.Admins...)
	return out
}

func (c *Conversation) touch(m Message) {
	if m.Timestamp.Before(c.LastMessageTime) {
		return
	}
	c.LastMessagePreview = m.Preview()
	c.LastMessageTime = m.Timestamp
}
