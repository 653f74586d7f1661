// Package chatstore holds the client's view of conversations and the open message list.
//
// Only the active conversation keeps a full message list. Every other
// conversation is tracked through its summary (preview, last time, unread counter).
package chatstore

import (
	"sort"
	"strings"
	"sync"
)

// Selection identifies one opening of a conversation. A new Select bumps Gen,
// so history fetched for an earlier selection can be recognized and dropped.
type Selection struct {
	ConversationID string `json:"conversationId"`
	Kind           Kind   `json:"kind"`
	Gen            uint64 `json:"gen"`
}

// Snapshot is a consistent copy of everything the store holds.
type Snapshot struct {
	LocalUserID   string         `json:"localUserId"`
	Active        *Selection     `json:"active,omitempty"`
	Conversations []Conversation `json:"conversations"`
	Messages      []Message      `json:"messages,omitempty"`
}

type thread struct {
	sel    Selection
	loaded bool
	msgs   []Message
	seen   map[string]struct{}
}

func (t *thread) find(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	local string
	convs map[string]*Conversation
	// order is insertion order, used only as the final tie-break.
	order  []string
	active *thread
	gen    uint64

	// recent remembers message ids across conversations so that a redelivery
	// to a conversation that is not open does not count twice.
	recent     map[string]struct{}
	recentRing []string
	recentNext int
}

const recentCap = 4096

// New returns an empty store for the given local user (may be empty until login).
func New(localUserID string) *Store {
	return &Store{
		local:  localUserID,
		convs:  make(map[string]*Conversation),
		recent: make(map[string]struct{}),
	}
}

// rememberLocked records id and reports whether it was new.
func (s *Store) rememberLocked(id string) bool {
	if _, ok := s.recent[id]; ok {
		return false
	}
	if len(s.recentRing) < recentCap {
		s.recentRing = append(s.recentRing, id)
	} else {
		delete(s.recent, s.recentRing[s.recentNext])
		s.recentRing[s.recentNext] = id
		s.recentNext = (s.recentNext + 1) % recentCap
	}
	s.recent[id] = struct{}{}
	return true
}

// Remember records a message id outside any conversation summary and reports
// whether it had not been seen before.
func (s *Store) Remember(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rememberLocked(id)
}

func (s *Store) SetLocalUser(id string) {
	s.mu.Lock()
	s.local = id
	s.recountActiveLocked()
	s.mu.Unlock()
}

func (s *Store) LocalUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// SetConversations replaces the chat list with the server's view.
// The open message list survives if its conversation is still listed.
func (s *Store) SetConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.convs
	s.convs = make(map[string]*Conversation, len(list))
	s.order = s.order[:0]
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		c := c.clone()
		if c.Kind == "" {
			c.Kind = KindPersonal
		}
		if old, ok := prev[c.ID]; ok && c.Presence == PresenceUnknown {
			c.Presence = old.Presence
		}
		if _, dup := s.convs[c.ID]; !dup {
			s.order = append(s.order, c.ID)
		}
		s.convs[c.ID] = &c
	}

	if s.active != nil {
		if _, ok := s.convs[s.active.sel.ConversationID]; !ok {
			s.active = nil
			return
		}
		s.recountActiveLocked()
	}
}

// Upsert inserts c or refreshes the metadata of an existing entry.
// Counters, preview and presence of an existing entry are kept.
func (s *Store) Upsert(c Conversation) (created bool) {
	if c.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Kind == "" {
		c.Kind = KindPersonal
	}
	cur, ok := s.convs[c.ID]
	if !ok {
		cc := c.clone()
		s.convs[c.ID] = &cc
		s.order = append(s.order, c.ID)
		return true
	}
	cur.Kind = c.Kind
	if c.DisplayName != "" {
		cur.DisplayName = c.DisplayName
	}
	if c.AvatarRef != "" {
		cur.AvatarRef = c.AvatarRef
	}
	if len(c.Members) > 0 {
		cur.Members = append([]UserRef(nil), c.Members...)
	}
	if len(c.Admins) > 0 {
		cur.Admins = append([]string(nil), c.Admins...)
	}
	if c.CreatedBy != "" {
		cur.CreatedBy = c.CreatedBy
	}
	cur.Stub = cur.Stub && c.Stub
	return false
}

// EnsureStub materializes a placeholder for an unknown conversation id.
func (s *Store) EnsureStub(id string, kind Kind, displayName string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[id]; ok {
		return c.clone(), false
	}
	if displayName == "" {
		displayName = id
	}
	c := &Conversation{ID: id, Kind: kind, DisplayName: displayName, Stub: true}
	s.convs[id] = c
	s.order = append(s.order, id)
	return c.clone(), true
}

// Conversation returns a copy of one summary.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Conversations returns the chat list, most recent activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []Conversation {
	rank := make(map[string]int, len(s.order))
	for i, id := range s.order {
		rank[id] = i
	}
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
		if an != bn {
			return an < bn
		}
		return rank[a.ID] < rank[b.ID]
	})
	return out
}

// Select opens a conversation. The message list starts empty and unloaded
// until ReplaceMessages lands for the returned selection.
func (s *Store) Select(id string) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Selection{}, ErrUnknownConversation
	}
	s.gen++
	sel := Selection{ConversationID: id, Kind: c.Kind, Gen: s.gen}
	s.active = &thread{sel: sel, seen: make(map[string]struct{})}
	return sel, nil
}

// Deselect closes the open conversation.
func (s *Store) Deselect() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

// Active returns the current selection.
func (s *Store) Active() (Selection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return Selection{}, false
	}
	return s.active.sel, true
}

// IsActive reports whether id is the open conversation.
func (s *Store) IsActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active != nil && s.active.sel.ConversationID == id
}

// Messages returns the open list for id, or nil if id is not active.
func (s *Store) Messages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil || s.active.sel.ConversationID != id {
		return nil
	}
	return append([]Message(nil), s.active.msgs...)
}

// ReplaceMessages installs fetched history for sel. It fails with ErrStale
// when the user has since opened another conversation (or reopened this one).
func (s *Store) ReplaceMessages(sel Selection, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.sel != sel {
		return ErrStale
	}
	t := s.active
	live := t.msgs
	t.msgs = make([]Message, 0, len(msgs)+len(live))
	t.seen = make(map[string]struct{}, len(msgs)+len(live))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m.ConversationID = sel.ConversationID
		m.normalize()
		if _, dup := t.seen[m.ID]; dup {
			t.msgs[t.find(m.ID)].absorb(m)
			continue
		}
		t.seen[m.ID] = struct{}{}
		s.rememberLocked(m.ID)
		t.msgs = append(t.msgs, m)
	}
	// Messages that arrived live while the fetch was in flight.
	for _, m := range live {
		if _, dup := t.seen[m.ID]; dup {
			i := t.find(m.ID)
			t.msgs[i].Status = t.msgs[i].Status.Merge(m.Status)
			t.msgs[i].Read = t.msgs[i].Read || m.Read
			t.msgs[i].normalize()
			continue
		}
		t.seen[m.ID] = struct{}{}
		t.msgs = append(t.msgs, m)
	}
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].Timestamp.Before(t.msgs[j].Timestamp)
	})
	t.loaded = true

	if c := s.convs[sel.ConversationID]; c != nil && len(t.msgs) > 0 {
		c.touch(t.msgs[len(t.msgs)-1])
	}
	s.recountActiveLocked()
	return nil
}

// Append adds a live message to the open list. A message whose id is already
// present is merged in place (status only moves forward) and reported as not added.
func (s *Store) Append(m Message) (bool, error) {
	if m.ID == "" || (m.RecipientID == "") == (m.GroupID == "") {
		return false, ErrInvalidMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.sel.ConversationID != m.ConversationID {
		return false, ErrNotActive
	}
	t := s.active
	m.normalize()

	if _, dup := t.seen[m.ID]; dup {
		t.msgs[t.find(m.ID)].absorb(m)
		s.recountActiveLocked()
		return false, nil
	}

	// Insert after every message with an equal or earlier timestamp so that
	// same-instant messages keep arrival order.
	i := sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].Timestamp.After(m.Timestamp)
	})
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.seen[m.ID] = struct{}{}
	s.rememberLocked(m.ID)

	if c := s.convs[m.ConversationID]; c != nil {
		c.touch(m)
	}
	s.recountActiveLocked()
	return true, nil
}

// RecordInbound updates the summary of a conversation that is not open and
// reports whether the message was new. The counter only moves for messages
// addressed to the local user.
func (s *Store) RecordInbound(m Message) (bool, error) {
	if m.ID == "" {
		return false, ErrInvalidMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[m.ConversationID]
	if !ok {
		return false, ErrUnknownConversation
	}
	if s.active != nil && s.active.sel.ConversationID == m.ConversationID {
		return false, ErrOpen
	}
	if !s.rememberLocked(m.ID) {
		return false, nil
	}
	m.normalize()
	c.touch(m)
	if m.UnreadFor(s.local) {
		c.UnreadCount++
	}
	return true, nil
}

// MarkRead marks every open-list message addressed to the local user as read
// and zeroes the conversation's counter. It returns how many messages changed.
func (s *Store) MarkRead(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return 0, ErrUnknownConversation
	}
	changed := 0
	if s.active != nil && s.active.sel.ConversationID == id {
		for i := range s.active.msgs {
			if s.active.msgs[i].UnreadFor(s.local) {
				s.active.msgs[i].markRead()
				changed++
			}
		}
	}
	c.UnreadCount = 0
	return changed, nil
}

// ApplyReadReceipt replaces the open personal list with the server's
// authoritative copy. Statuses already at Read are never regressed.
func (s *Store) ApplyReadReceipt(peerID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.sel.ConversationID != peerID || s.active.sel.Kind != KindPersonal {
		return ErrNotActive
	}
	t := s.active
	prev := make(map[string]Message, len(t.msgs))
	for _, m := range t.msgs {
		prev[m.ID] = m
	}

	t.msgs = t.msgs[:0]
	t.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m.ConversationID = peerID
		m.normalize()
		if old, ok := prev[m.ID]; ok {
			old.absorb(m)
			m = old
		}
		if _, dup := t.seen[m.ID]; dup {
			t.msgs[t.find(m.ID)].absorb(m)
			continue
		}
		t.seen[m.ID] = struct{}{}
		t.msgs = append(t.msgs, m)
	}
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].Timestamp.Before(t.msgs[j].Timestamp)
	})
	t.loaded = true
	s.recountActiveLocked()
	return nil
}

// SetPresence updates a personal conversation's peer status.
func (s *Store) SetPresence(userID string, p Presence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[userID]
	if !ok || c.Kind != KindPersonal {
		return false
	}
	c.Presence = p
	return true
}

// Reset drops everything, including the local user.
func (s *Store) Reset() {
	s.mu.Lock()
	s.local = ""
	s.convs = make(map[string]*Conversation)
	s.order = nil
	s.active = nil
	s.recent = make(map[string]struct{})
	s.recentRing = nil
	s.recentNext = 0
	s.mu.Unlock()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		LocalUserID:   s.local,
		Conversations: s.sortedLocked(),
	}
	if s.active != nil {
		sel := s.active.sel
		snap.Active = &sel
		snap.Messages = append([]Message(nil), s.active.msgs...)
	}
	return snap
}

// recountActiveLocked derives the open conversation's counter from its list.
func (s *Store) recountActiveLocked() {
	if s.active == nil || !s.active.loaded {
		return
	}
	c := s.convs[s.active.sel.ConversationID]
	if c == nil {
		return
	}
	n := 0
	for _, m := range s.active.msgs {
		if m.UnreadFor(s.local) {
			n++
		}
	}
	c.UnreadCount = n
}
