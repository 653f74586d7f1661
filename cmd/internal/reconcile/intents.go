package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/realtime"
)

// Select opens a conversation, fetches its history and marks it read.
//
// A failed fetch leaves the list empty and is reported as a fault. A fetch
// that returns after the user moved on is dropped without touching the view.
func (r *Reconciler) Select(ctx context.Context, conversationID string) (chatstore.Selection, error) {
	prev, hadPrev := r.store.Active()
	sel, err := r.store.Select(conversationID)
	if err != nil {
		return chatstore.Selection{}, err
	}
	old := ""
	if hadPrev {
		old = prev.ConversationID
	}
	r.tracker.SwitchConversation(old, conversationID)

	group := sel.Kind == chatstore.KindGroup
	payloads, err := r.backend.FetchHistory(ctx, conversationID, group)
	if err != nil {
		r.log.Warn("sync.history.fail", "conversation_id", conversationID, "err", err)
		r.fault("fetch_history", conversationID, err)
		payloads = nil
	}

	local := r.store.LocalUser()
	msgs := make([]chatstore.Message, 0, len(payloads))
	for i, p := range payloads {
		m, err := r.toMessage(p, local)
		if err != nil {
			r.log.Warn("sync.history.malformed", "conversation_id", conversationID, "index", i, "err", err)
			continue
		}
		if m.ConversationID != conversationID {
			r.log.Warn("sync.history.foreign", "conversation_id", conversationID, "message_id", m.ID)
			continue
		}
		msgs = append(msgs, m)
	}

	if err := r.store.ReplaceMessages(sel, msgs); err != nil {
		if errors.Is(err, chatstore.ErrStale) {
			r.metrics.StaleFetch()
			r.log.Info("sync.history.stale", "conversation_id", conversationID, "gen", sel.Gen)
			return sel, nil
		}
		return sel, err
	}
	r.log.Debug("sync.history.ok", "conversation_id", conversationID, "messages", len(msgs))

	if group {
		return sel, nil
	}
	if c, ok := r.store.Conversation(conversationID); ok && c.UnreadCount > 0 {
		if _, err := r.store.MarkRead(conversationID); err == nil {
			r.markReadRemote(ctx, conversationID)
		}
	}
	return sel, nil
}

// Deselect closes the open conversation.
func (r *Reconciler) Deselect() {
	prev, ok := r.store.Active()
	r.store.Deselect()
	if ok {
		r.tracker.SwitchConversation(prev.ConversationID, "")
	}
}

// MarkRead zeroes a conversation's unread state locally, then tells the
// server. Local state is not rolled back when the request fails.
func (r *Reconciler) MarkRead(ctx context.Context, conversationID string) error {
	c, ok := r.store.Conversation(conversationID)
	if !ok {
		return chatstore.ErrUnknownConversation
	}
	if _, err := r.store.MarkRead(conversationID); err != nil {
		return err
	}
	if c.Kind == chatstore.KindGroup {
		return nil
	}
	return r.markReadRemote(ctx, conversationID)
}

func (r *Reconciler) markReadRemote(ctx context.Context, peerID string) error {
	res, err := r.backend.MarkRead(ctx, peerID)
	if err != nil {
		r.log.Warn("sync.mark_read.fail", "conversation_id", peerID, "err", err)
		r.fault("mark_read", peerID, err)
		return err
	}
	r.log.Debug("sync.mark_read.ok", "conversation_id", peerID, "modified", res.ModifiedCount)
	return nil
}

func (r *Reconciler) activeTarget() (realtime.Target, error) {
	sel, ok := r.store.Active()
	if !ok {
		return realtime.Target{}, ErrNoActiveConversation
	}
	if sel.Kind == chatstore.KindGroup {
		return realtime.Group(sel.ConversationID), nil
	}
	return realtime.Direct(sel.ConversationID), nil
}

// Keystroke signals local typing in the open conversation.
func (r *Reconciler) Keystroke(ctx context.Context) error {
	target, err := r.activeTarget()
	if err != nil {
		return err
	}
	return r.tracker.Keystroke(ctx, target)
}

// Send emits a message to the open conversation. Nothing is inserted locally:
// the message appears when the server echoes it back.
func (r *Reconciler) Send(ctx context.Context, body, attachmentRef string) error {
	target, err := r.activeTarget()
	if err != nil {
		return err
	}
	if target.IsGroup() {
		err = r.events.SendGroupMessage(ctx, target.GroupID, body, attachmentRef)
	} else {
		err = r.events.SendDirectMessage(ctx, target.RecipientID, body, attachmentRef)
	}
	if err != nil {
		r.log.Info("sync.send.fail", "conversation_id", target.ConversationID(), "err", err)
		return err
	}

	if err := r.tracker.Sent(ctx, target); err != nil {
		r.log.Info("typing.stop.fail", "conversation_id", target.ConversationID(), "reason", "send", "err", err)
	}
	return nil
}

// SendFile uploads r and sends the resulting reference with an optional caption.
func (r *Reconciler) SendFile(ctx context.Context, name string, body io.Reader, caption string) error {
	if _, err := r.activeTarget(); err != nil {
		return err
	}
	res, err := r.backend.UploadFile(ctx, name, body)
	if err != nil {
		r.log.Warn("sync.upload.fail", "name", name, "err", err)
		r.fault("upload_file", "", err)
		return err
	}
	if res.FileURL == "" {
		return fmt.Errorf("reconcile: upload of %q returned no fileUrl", name)
	}
	return r.Send(ctx, caption, res.FileURL)
}

// RefreshChatList replaces the summaries with the server's chat list and
// joins group channels when the channel is up.
func (r *Reconciler) RefreshChatList(ctx context.Context) error {
	chats, err := r.backend.FetchChatList(ctx)
	if err != nil {
		r.log.Warn("sync.chat_list.fail", "err", err)
		r.fault("fetch_chat_list", "", err)
		return err
	}
	list := make([]chatstore.Conversation, 0, len(chats))
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		list = append(list, c.Conversation())
	}

	// Groups without traffic yet are missing from the chat list.
	groups, err := r.backend.FetchJoinedGroups(ctx)
	if err != nil {
		r.log.Warn("sync.joined_groups.fail", "err", err)
		r.fault("fetch_joined_groups", "", err)
	}
	seen := make(map[string]struct{}, len(list))
	for _, c := range list {
		seen[c.ID] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := seen[g.ID]; ok || g.ID == "" {
			continue
		}
		seen[g.ID] = struct{}{}
		list = append(list, g.Conversation())
	}

	r.store.SetConversations(list)
	r.log.Debug("sync.chat_list.ok", "conversations", len(list))

	if r.channel.Status() == realtime.StatusConnected {
		r.joinGroups(ctx)
	}
	return nil
}

func (r *Reconciler) joinGroups(ctx context.Context) {
	for _, c := range r.store.Conversations() {
		if c.Kind != chatstore.KindGroup {
			continue
		}
		if err := r.events.JoinGroupChannel(ctx, c.ID); err != nil {
			r.log.Warn("ws.join_group.fail", "conversation_id", c.ID, "err", err)
			r.fault("join_group", c.ID, err)
		}
	}
}

// SearchUsers looks users up by username. Results are remembered so that
// AddContact can show a proper name before the chat list is refreshed.
func (r *Reconciler) SearchUsers(ctx context.Context, query string) ([]chatstore.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	res, err := r.backend.SearchUsers(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]chatstore.Conversation, 0, len(res))
	r.mu.Lock()
	for _, u := range res {
		if u.ID == "" {
			continue
		}
		c := u.Conversation()
		r.searched[c.ID] = c
		out = append(out, c)
	}
	r.mu.Unlock()
	return out, nil
}

// AddContact adds userID on the server and inserts its personal conversation.
func (r *Reconciler) AddContact(ctx context.Context, userID string) (chatstore.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return chatstore.Conversation{}, errors.New("reconcile: empty user id")
	}
	if _, err := r.backend.AddContact(ctx, userID); err != nil {
		return chatstore.Conversation{}, err
	}

	r.mu.Lock()
	c, ok := r.searched[userID]
	r.mu.Unlock()
	if !ok {
		c = chatstore.Conversation{ID: userID, Kind: chatstore.KindPersonal, DisplayName: userID}
	}
	r.store.Upsert(c)
	out, _ := r.store.Conversation(userID)
	r.log.Info("sync.contact.added", "conversation_id", userID)
	return out, nil
}

// CreateGroup creates a group, inserts it and joins its channel.
func (r *Reconciler) CreateGroup(ctx context.Context, name string, memberIDs []string) (chatstore.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chatstore.Conversation{}, errors.New("reconcile: empty group name")
	}
	g, err := r.backend.CreateGroup(ctx, name, memberIDs)
	if err != nil {
		return chatstore.Conversation{}, err
	}
	c := g.Conversation()
	if c.ID == "" {
		return chatstore.Conversation{}, errors.New("reconcile: created group has no id")
	}
	r.store.Upsert(c)
	if err := r.events.JoinGroupChannel(ctx, c.ID); err != nil {
		r.log.Warn("ws.join_group.fail", "conversation_id", c.ID, "err", err)
		r.fault("join_group", c.ID, err)
	}
	r.log.Info("sync.group.created", "conversation_id", c.ID, "members", len(memberIDs))
	out, _ := r.store.Conversation(c.ID)
	return out, nil
}
