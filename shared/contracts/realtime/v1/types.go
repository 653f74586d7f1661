package v1

import "time"

// ---- Outbound payloads ----

// JoinPayload announces the connected identity.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// JoinGroupPayload subscribes the channel to a group inbox.
type JoinGroupPayload struct {
	GroupID string `json:"groupId"`
}

// SendMessagePayload sends a personal message.
type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	FileURL     string `json:"fileUrl,omitempty"`
}

// SendGroupMessagePayload sends a group message.
type SendGroupMessagePayload struct {
	GroupID string `json:"groupId"`
	Content string `json:"content"`
	FileURL string `json:"fileUrl,omitempty"`
}

// TypingPayload targets either a peer or a group, never both.
type TypingPayload struct {
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
}

// ---- Inbound payloads ----

// SenderPayload is the resolved sender identity attached to every message.
type SenderPayload struct {
	ID             string `json:"_id"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// MessagePayload is the full message object as the server stores it.
type MessagePayload struct {
	ID        string        `json:"_id"`
	Sender    SenderPayload `json:"sender"`
	Recipient string        `json:"recipient,omitempty"`
	Group     string        `json:"group,omitempty"`
	Content   string        `json:"content"`
	FileURL   string        `json:"fileUrl,omitempty"`
	Status    string        `json:"status,omitempty"`
	Read      bool          `json:"read"`
	Timestamp time.Time     `json:"timestamp"`
}

// MessagesReadPayload carries the authoritative replacement list for a personal conversation.
type MessagesReadPayload struct {
	RecipientID string           `json:"recipientId"`
	Messages    []MessagePayload `json:"messages"`
}

// UserStatusPayload announces a presence change.
type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// UserTypingPayload relays peer typing start/stop.
type UserTypingPayload struct {
	SenderID string `json:"senderId"`
	GroupID  string `json:"groupId,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
