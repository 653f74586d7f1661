package reconcile

import (
	"context"
	"errors"
	"fmt"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/notify"
	"chatsync/cmd/internal/realtime"
)

var (
	errMissingID     = errors.New("missing _id")
	errMissingSender = errors.New("missing sender._id")
	errAddressing    = errors.New("exactly one of recipient or group must be set")
	errWrongKind     = errors.New("addressing does not match event type")
)

// toMessage validates a wire message and maps it into the store model.
// local decides which side of a personal message names the conversation.
func (r *Reconciler) toMessage(p v1.MessagePayload, local string) (chatstore.Message, error) {
	if p.ID == "" {
		return chatstore.Message{}, errMissingID
	}
	if p.Sender.ID == "" {
		return chatstore.Message{}, errMissingSender
	}
	if (p.Recipient == "") == (p.Group == "") {
		return chatstore.Message{}, errAddressing
	}

	m := chatstore.Message{
		ID: p.ID,
		Sender: chatstore.UserRef{
			ID:        p.Sender.ID,
			Username:  p.Sender.Username,
			Name:      p.Sender.Name,
			AvatarRef: p.Sender.ProfilePicture,
		},
		RecipientID:   p.Recipient,
		GroupID:       p.Group,
		Body:          p.Content,
		AttachmentRef: p.FileURL,
		Status:        chatstore.ParseStatus(p.Status),
		Read:          p.Read,
		Timestamp:     p.Timestamp.UTC(),
	}
	if p.Timestamp.IsZero() {
		m.Timestamp = r.opts.Now()
	}
	if m.Read {
		m.Status = chatstore.StatusRead
	} else if m.Status == chatstore.StatusRead {
		m.Read = true
	}

	switch {
	case p.Group != "":
		m.Kind = chatstore.KindGroup
		m.ConversationID = p.Group
	case p.Sender.ID == local:
		m.Kind = chatstore.KindPersonal
		m.ConversationID = p.Recipient
	default:
		m.Kind = chatstore.KindPersonal
		m.ConversationID = p.Sender.ID
	}
	return m, nil
}

func (r *Reconciler) malformed(typ string, err error) {
	merr := &MalformedEventError{Type: typ, Err: err}
	r.metrics.Dropped("malformed_" + typ)
	r.log.Warn("sync.event.malformed", "type", typ, "err", err)
	r.fault("inbound", "", merr)
}

// onMessage merges a receive_message / receive_group_message event.
func (r *Reconciler) onMessage(typ string, p v1.MessagePayload) {
	local := r.store.LocalUser()
	m, err := r.toMessage(p, local)
	if err == nil {
		wantGroup := typ == v1.TypeReceiveGroupMessage
		if (m.Kind == chatstore.KindGroup) != wantGroup {
			err = errWrongKind
		}
	}
	if err != nil {
		r.malformed(typ, err)
		return
	}

	if r.store.IsActive(m.ConversationID) && r.appendActive(m, local) {
		return
	}
	r.recordInactive(m, local)
}

// appendActive adds m to the open list. It returns false when the
// conversation stopped being active before the append landed.
func (r *Reconciler) appendActive(m chatstore.Message, local string) bool {
	readOnArrival := m.Kind == chatstore.KindPersonal && m.UnreadFor(local)
	if readOnArrival {
		m.Read = true
		m.Status = chatstore.StatusRead
	}

	added, err := r.store.Append(m)
	switch {
	case errors.Is(err, chatstore.ErrNotActive):
		return false
	case err != nil:
		r.malformed(v1.TypeReceiveMessage, err)
		return true
	case !added:
		r.metrics.Duplicate()
		r.log.Debug("store.message.duplicate", "conversation_id", m.ConversationID, "message_id", m.ID)
		return true
	}

	r.log.Debug("store.message.append", "conversation_id", m.ConversationID, "message_id", m.ID)
	if readOnArrival {
		if _, err := r.store.MarkRead(m.ConversationID); err != nil {
			r.log.Warn("sync.mark_read.local_fail", "conversation_id", m.ConversationID, "err", err)
		}
		peer := m.ConversationID
		r.goSideEffect(func(ctx context.Context) { r.markReadRemote(ctx, peer) })
	}
	return true
}

// recordInactive updates the summary of a conversation that is not open.
func (r *Reconciler) recordInactive(m chatstore.Message, local string) {
	if _, ok := r.store.Conversation(m.ConversationID); !ok {
		if !r.opts.StubConversations {
			r.log.Info("sync.conversation.unknown", "conversation_id", m.ConversationID, "message_id", m.ID)
			if !r.store.Remember(m.ID) {
				r.metrics.Duplicate()
				return
			}
			if m.Sender.ID != local {
				r.notifyInactive(m)
			}
			return
		}
		display := m.ConversationID
		if m.Kind == chatstore.KindPersonal && m.Sender.ID != local {
			display = m.Sender.DisplayName()
		}
		if _, created := r.store.EnsureStub(m.ConversationID, m.Kind, display); created {
			r.metrics.Stub()
			r.log.Info("store.conversation.stub", "conversation_id", m.ConversationID, "kind", string(m.Kind))
		}
	}

	added, err := r.store.RecordInbound(m)
	if errors.Is(err, chatstore.ErrOpen) {
		// Selected between the check and the update; the history fetch covers it.
		if r.appendActive(m, local) {
			return
		}
		added, err = r.store.RecordInbound(m)
	}
	if err != nil {
		r.log.Warn("store.summary.fail", "conversation_id", m.ConversationID, "message_id", m.ID, "err", err)
		return
	}
	if !added {
		r.metrics.Duplicate()
		r.log.Debug("store.message.duplicate", "conversation_id", m.ConversationID, "message_id", m.ID)
		return
	}
	if m.Sender.ID == local {
		return
	}
	r.notifyInactive(m)
}

// notifyInactive raises the notification for a message whose conversation is not open.
func (r *Reconciler) notifyInactive(m chatstore.Message) {
	n := notify.Notification{
		ConversationID: m.ConversationID,
		Title:          m.Sender.DisplayName(),
		Body:           notify.BodyFor(m.Body, m.AttachmentRef),
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.log.Warn("notify.fail", "conversation_id", m.ConversationID, "err", err)
		return
	}
	r.metrics.Notification()
}

// onReadReceipt replaces the open personal list with the server's copy when
// the receipt concerns the open peer.
func (r *Reconciler) onReadReceipt(p v1.MessagesReadPayload) {
	if p.RecipientID == "" {
		r.malformed(v1.TypeMessagesRead, errors.New("missing recipientId"))
		return
	}
	local := r.store.LocalUser()
	msgs := make([]chatstore.Message, 0, len(p.Messages))
	for i, mp := range p.Messages {
		m, err := r.toMessage(mp, local)
		if err != nil {
			r.malformed(v1.TypeMessagesRead, fmt.Errorf("messages[%d]: %w", i, err))
			continue
		}
		msgs = append(msgs, m)
	}

	if err := r.store.ApplyReadReceipt(p.RecipientID, msgs); err != nil {
		r.log.Debug("sync.receipt.ignored", "conversation_id", p.RecipientID, "err", err)
		return
	}
	r.log.Debug("sync.receipt.applied", "conversation_id", p.RecipientID, "messages", len(msgs))
}

func (r *Reconciler) onPresence(p v1.UserStatusPayload) {
	if r.tracker.PresenceChanged(p.UserID, p.Status) {
		r.log.Debug("presence.update", "user_id", p.UserID, "status", p.Status)
	}
}

func (r *Reconciler) onTypingStart(p v1.UserTypingPayload) {
	if conv, changed := r.tracker.TypingStarted(p.SenderID, p.GroupID); changed {
		r.log.Debug("typing.start", "conversation_id", conv, "user_id", p.SenderID)
	}
}

func (r *Reconciler) onTypingStop(p v1.UserTypingPayload) {
	if conv, changed := r.tracker.TypingStopped(p.SenderID, p.GroupID); changed {
		r.log.Debug("typing.stop", "conversation_id", conv, "user_id", p.SenderID)
	}
}

func (r *Reconciler) onServerError(p v1.ErrorPayload) {
	r.log.Warn("ws.server_error", "code", p.Code, "message", p.Message)
	r.fault("server", "", fmt.Errorf("server error %s: %s", p.Code, p.Message))
}

func (r *Reconciler) onStatus(ev realtime.StatusEvent) {
	if ev.Status == realtime.StatusError {
		r.fault("channel", "", ev.Err)
	}
}
