package api

import (
	"strings"
	"time"

	"chatsync/cmd/internal/chatstore"
)

// Profile is the signed-in user as returned by /user/profile.
type Profile struct {
	ID             string   `json:"id"`
	MongoID        string   `json:"_id,omitempty"`
	Username       string   `json:"username"`
	Name           string   `json:"name"`
	Bio            string   `json:"bio,omitempty"`
	ProfilePicture string   `json:"profilePicture,omitempty"`
	Status         string   `json:"status,omitempty"`
	LastSeen       string   `json:"lastSeen,omitempty"`
	Contacts       []string `json:"contacts,omitempty"`
}

// UserID tolerates both id spellings the server uses.
func (p Profile) UserID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.MongoID
}

// UserChat is one entry of /chat/user-chats.
type UserChat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	Status      string `json:"status"`
	LastSeen    string `json:"lastSeen"`
	LastMessage string `json:"lastMessage"`
	Time        string `json:"time"`
	Unread      int    `json:"unread"`
	Type        string `json:"type"`
}

// Conversation maps the entry into the store's model.
func (u UserChat) Conversation() chatstore.Conversation {
	kind, err := chatstore.ParseKind(u.Type)
	if err != nil {
		kind = chatstore.KindPersonal
	}
	c := chatstore.Conversation{
		ID:                 u.ID,
		Kind:               kind,
		DisplayName:        u.Name,
		AvatarRef:          u.Avatar,
		LastMessagePreview: u.LastMessage,
		LastMessageTime:    parseTime(u.Time),
		UnreadCount:        max(u.Unread, 0),
	}
	if kind == chatstore.KindPersonal && u.Status != "" {
		c.Presence = chatstore.ParsePresence(u.Status)
	}
	return c
}

type GroupMember struct {
	ID             string `json:"_id"`
	Username       string `json:"username"`
	Name           string `json:"name,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type GroupLastMessage struct {
	ID        string `json:"_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Group is returned by /group and /group/joined.
type Group struct {
	ID          string            `json:"_id"`
	Name        string            `json:"name"`
	Avatar      string            `json:"avatar,omitempty"`
	Members     []GroupMember     `json:"members"`
	Admins      []string          `json:"admins,omitempty"`
	CreatedBy   string            `json:"createdBy"`
	LastMessage *GroupLastMessage `json:"lastMessage,omitempty"`
}

func (g Group) Conversation() chatstore.Conversation {
	c := chatstore.Conversation{
		ID:          g.ID,
		Kind:        chatstore.KindGroup,
		DisplayName: g.Name,
		AvatarRef:   g.Avatar,
		Admins:      append([]string(nil), g.Admins...),
		CreatedBy:   g.CreatedBy,
	}
	for _, m := range g.Members {
		c.Members = append(c.Members, chatstore.UserRef{
			ID: m.ID, Username: m.Username, Name: m.Name, AvatarRef: m.ProfilePicture,
		})
	}
	if g.LastMessage != nil {
		c.LastMessagePreview = g.LastMessage.Content
		c.LastMessageTime = parseTime(g.LastMessage.Timestamp)
	}
	return c
}

// UserSearchResult is one hit of /user/search.
type UserSearchResult struct {
	ID             string `json:"_id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
}

// Conversation is the optimistic personal entry inserted when the user adds this contact.
func (u UserSearchResult) Conversation() chatstore.Conversation {
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return chatstore.Conversation{
		ID:          u.ID,
		Kind:        chatstore.KindPersonal,
		DisplayName: name,
		AvatarRef:   u.ProfilePicture,
		Presence:    chatstore.PresenceOffline,
	}
}

type MarkReadResult struct {
	Message       string `json:"message"`
	ModifiedCount int    `json:"modifiedCount"`
}

type UploadResult struct {
	FileURL string `json:"fileUrl"`
}

type LoginResult struct {
	Token string  `json:"token"`
	User  Profile `json:"user"`
}

type validateResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type messageResult struct {
	Message string `json:"message"`
}

// parseTime accepts RFC 3339 timestamps; display strings yield the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
