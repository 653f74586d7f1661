package chatstore

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 16, 5, 0, 0, 0, time.UTC)

func direct(id, from, to string, at time.Duration) Message {
	conv := from
	if from == "me" {
		conv = to
	}
	return Message{
		ID:             id,
		ConversationID: conv,
		Kind:           KindPersonal,
		Sender:         UserRef{ID: from},
		RecipientID:    to,
		Body:           "body " + id,
		Timestamp:      t0.Add(at),
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New("me")
	s.SetConversations([]Conversation{
		{ID: "bob", Kind: KindPersonal, DisplayName: "Bob", UnreadCount: 2},
		{ID: "carol", Kind: KindPersonal, DisplayName: "Carol"},
		{ID: "g1", Kind: KindGroup, DisplayName: "Team"},
	})
	return s
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_AppendRejectsInactive(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if _, err := s.Select("bob"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	_, err := s.Append(direct("m1", "carol", "me", 0))
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("Append err=%v want ErrNotActive", err)
	}
}

func TestStore_AppendDedupesAndMergesStatus(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	sel, _ := s.Select("bob")
	if err := s.ReplaceMessages(sel, nil); err != nil {
		t.Fatalf("ReplaceMessages: %v", err)
	}

	m := direct("m1", "me", "bob", 0)
	m.Status = StatusRead
	if added, err := s.Append(m); err != nil || !added {
		t.Fatalf("Append added=%v err=%v", added, err)
	}

	again := direct("m1", "me", "bob", 0)
	again.Status = StatusDelivered
	if added, err := s.Append(again); err != nil || added {
		t.Fatalf("duplicate Append added=%v err=%v", added, err)
	}

	got := s.Messages("bob")
	if len(got) != 1 {
		t.Fatalf("len=%d want=1", len(got))
	}
	if got[0].Status != StatusRead || !got[0].Read {
		t.Fatalf("status regressed: %+v", got[0])
	}
}

func TestStore_AppendKeepsTimestampOrder(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	sel, _ := s.Select("bob")
	_ = s.ReplaceMessages(sel, []Message{
		direct("a", "bob", "me", 1*time.Second),
		direct("c", "bob", "me", 3*time.Second),
	})

	_, _ = s.Append(direct("b", "bob", "me", 2*time.Second))
	_, _ = s.Append(direct("c2", "bob", "me", 3*time.Second))

	want := []string{"a", "b", "c", "c2"}
	got := ids(s.Messages("bob"))
	if len(got) != len(want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v want=%v", got, want)
		}
	}
}

func TestStore_ReplaceMessagesStale(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	first, _ := s.Select("bob")
	second, _ := s.Select("carol")

	err := s.ReplaceMessages(first, []Message{direct("x", "bob", "me", 0)})
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err=%v want ErrStale", err)
	}
	if got := s.Messages("carol"); len(got) != 0 {
		t.Fatalf("carol list polluted: %v", ids(got))
	}
	if err := s.ReplaceMessages(second, nil); err != nil {
		t.Fatalf("current selection rejected: %v", err)
	}
}

func TestStore_ReplaceMessagesKeepsLiveArrivals(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	sel, _ := s.Select("bob")
	_, _ = s.Append(direct("live", "bob", "me", 5*time.Second))

	_ = s.ReplaceMessages(sel, []Message{
		direct("h1", "bob", "me", 1*time.Second),
		direct("h1", "bob", "me", 1*time.Second),
	})

	got := ids(s.Messages("bob"))
	if len(got) != 2 || got[0] != "h1" || got[1] != "live" {
		t.Fatalf("got=%v", got)
	}
}

func TestStore_UnreadDerivedForActive(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	sel, _ := s.Select("bob")
	read := direct("r", "bob", "me", 0)
	read.Read = true
	_ = s.ReplaceMessages(sel, []Message{
		read,
		direct("u1", "bob", "me", time.Second),
		direct("mine", "me", "bob", 2*time.Second),
	})

	c, _ := s.Conversation("bob")
	if c.UnreadCount != 1 {
		t.Fatalf("unread=%d want=1", c.UnreadCount)
	}

	n, err := s.MarkRead("bob")
	if err != nil || n != 1 {
		t.Fatalf("MarkRead n=%d err=%v", n, err)
	}
	c, _ = s.Conversation("bob")
	if c.UnreadCount != 0 {
		t.Fatalf("unread=%d want=0", c.UnreadCount)
	}
	for _, m := range s.Messages("bob") {
		if m.RecipientID == "me" && !m.Read {
			t.Fatalf("message %s still unread", m.ID)
		}
	}
}

func TestStore_RecordInboundCountsAddressedToLocal(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_, _ = s.Select("bob")

	in := direct("m1", "carol", "me", time.Minute)
	if added, err := s.RecordInbound(in); err != nil || !added {
		t.Fatalf("RecordInbound: added=%v err=%v", added, err)
	}
	// Redelivery is absorbed.
	if added, err := s.RecordInbound(in); err != nil || added {
		t.Fatalf("RecordInbound dup: added=%v err=%v", added, err)
	}
	out := direct("m2", "me", "carol", 2*time.Minute)
	_, _ = s.RecordInbound(out)

	group := Message{ID: "g-m", ConversationID: "g1", Kind: KindGroup, Sender: UserRef{ID: "carol"}, GroupID: "g1", Body: "hey", Timestamp: t0}
	_, _ = s.RecordInbound(group)

	if _, err := s.RecordInbound(direct("m3", "bob", "me", time.Minute)); !errors.Is(err, ErrOpen) {
		t.Fatalf("RecordInbound(open) err=%v want ErrOpen", err)
	}

	c, _ := s.Conversation("carol")
	if c.UnreadCount != 1 {
		t.Fatalf("unread=%d want=1", c.UnreadCount)
	}
	if g, _ := s.Conversation("g1"); g.UnreadCount != 0 || g.LastMessagePreview != "hey" {
		t.Fatalf("group summary=%+v", g)
	}
	if c.LastMessagePreview != "body m2" {
		t.Fatalf("preview=%q", c.LastMessagePreview)
	}
}

func TestStore_ConversationsOrdering(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_, _ = s.RecordInbound(direct("m1", "carol", "me", time.Minute))

	got := s.Conversations()
	want := []string{"carol", "bob", "g1"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("order=%v want=%v", got, want)
		}
	}
}

func TestStore_PreviewForAttachment(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	m := direct("f", "carol", "me", time.Minute)
	m.Body = ""
	m.AttachmentRef = "/uploads/a.png"
	_, _ = s.RecordInbound(m)

	c, _ := s.Conversation("carol")
	if c.LastMessagePreview != AttachmentLabel {
		t.Fatalf("preview=%q want=%q", c.LastMessagePreview, AttachmentLabel)
	}
}

func TestStore_ApplyReadReceipt(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	sel, _ := s.Select("bob")
	mine := direct("m1", "me", "bob", 0)
	_ = s.ReplaceMessages(sel, []Message{mine})

	receipt := direct("m1", "me", "bob", 0)
	receipt.Read = true
	if err := s.ApplyReadReceipt("bob", []Message{receipt}); err != nil {
		t.Fatalf("ApplyReadReceipt: %v", err)
	}
	got := s.Messages("bob")
	if got[0].Status != StatusRead {
		t.Fatalf("status=%v want Read", got[0].Status)
	}

	// A later, older copy must not regress the status.
	stale := direct("m1", "me", "bob", 0)
	stale.Status = StatusDelivered
	_ = s.ApplyReadReceipt("bob", []Message{stale})
	if got := s.Messages("bob"); got[0].Status != StatusRead {
		t.Fatalf("status regressed to %v", got[0].Status)
	}

	if err := s.ApplyReadReceipt("carol", nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err=%v want ErrNotActive", err)
	}
}

func TestStore_SetPresencePersonalOnly(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if !s.SetPresence("bob", PresenceOnline) {
		t.Fatalf("SetPresence(bob) = false")
	}
	if s.SetPresence("g1", PresenceOnline) {
		t.Fatalf("group presence must be ignored")
	}
	if s.SetPresence("nobody", PresenceOnline) {
		t.Fatalf("unknown id must be ignored")
	}
	c, _ := s.Conversation("bob")
	if c.Presence != PresenceOnline {
		t.Fatalf("presence=%q", c.Presence)
	}

	// Refreshing the list keeps known presence.
	s.SetConversations([]Conversation{{ID: "bob", Kind: KindPersonal}})
	c, _ = s.Conversation("bob")
	if c.Presence != PresenceOnline {
		t.Fatalf("presence lost on refresh: %q", c.Presence)
	}
}

func TestStore_EnsureStubAndUpsert(t *testing.T) {
	t.Parallel()

	s := New("me")
	c, created := s.EnsureStub("dave", KindPersonal, "Dave")
	if !created || !c.Stub {
		t.Fatalf("stub=%+v created=%v", c, created)
	}
	if _, again := s.EnsureStub("dave", KindPersonal, ""); again {
		t.Fatalf("EnsureStub must be idempotent")
	}
	if s.Upsert(Conversation{ID: "dave", Kind: KindPersonal, DisplayName: "Dave D"}) {
		t.Fatalf("Upsert reported create for existing id")
	}
	c, _ = s.Conversation("dave")
	if c.Stub || c.DisplayName != "Dave D" {
		t.Fatalf("upsert did not refresh stub: %+v", c)
	}
}

func TestStore_ResetClearsEverything(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_, _ = s.Select("bob")
	s.Reset()

	snap := s.Snapshot()
	if snap.LocalUserID != "" || snap.Active != nil || len(snap.Conversations) != 0 {
		t.Fatalf("snapshot after reset: %+v", snap)
	}
}

// assertInvariants checks the open thread after a mutation: unique ids,
// non-decreasing timestamps, a counter matching the loaded list, and no
// message leaving the Read state once seen there.
func assertInvariants(t *testing.T, s *Store, step string, wasRead map[string]bool) {
	t.Helper()

	s.mu.RLock()
	th := s.active
	var msgs []Message
	loaded := false
	if th != nil {
		msgs = append(msgs, th.msgs...)
		loaded = th.loaded
	}
	s.mu.RUnlock()
	if th == nil {
		return
	}

	seen := make(map[string]bool, len(msgs))
	unread := 0
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("%s: duplicate id %q in %v", step, m.ID, ids(msgs))
		}
		seen[m.ID] = true
		if i > 0 && m.Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("%s: %q before %q out of order", step, m.ID, msgs[i-1].ID)
		}
		if m.Read != (m.Status == StatusRead) {
			t.Fatalf("%s: %q read=%v status=%s", step, m.ID, m.Read, m.Status)
		}
		if wasRead[m.ID] && !m.Read {
			t.Fatalf("%s: %q regressed from Read to %s", step, m.ID, m.Status)
		}
		if m.UnreadFor("me") {
			unread++
		}
	}
	for _, m := range msgs {
		if m.Read {
			wasRead[m.ID] = true
		}
	}

	if !loaded {
		return
	}
	c, _ := s.Conversation(th.sel.ConversationID)
	if c.UnreadCount != unread {
		t.Fatalf("%s: unread=%d want=%d (%v)", step, c.UnreadCount, unread, ids(msgs))
	}
}

func TestStore_InvariantsHoldThroughMixedSequence(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	old, err := s.Select("carol")
	if err != nil {
		t.Fatalf("Select carol: %v", err)
	}
	sel, err := s.Select("bob")
	if err != nil {
		t.Fatalf("Select bob: %v", err)
	}

	readReceipt := direct("r2", "me", "bob", 2*time.Minute)
	readReceipt.Read = true
	stale := direct("d3", "bob", "me", 3*time.Minute)
	stale.Status = StatusSent

	appendMsg := func(m Message) func() error {
		return func() error {
			_, err := s.Append(m)
			return err
		}
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"live arrival before history", appendMsg(direct("d3", "bob", "me", 3*time.Minute))},
		{"redelivery", appendMsg(direct("d3", "bob", "me", 3*time.Minute))},
		{"out of order arrival", appendMsg(direct("d1", "bob", "me", time.Minute))},
		{"receipt while loading", func() error { return s.ApplyReadReceipt("bob", []Message{readReceipt}) }},
		{"history for older selection", func() error {
			if err := s.ReplaceMessages(old, []Message{direct("c1", "carol", "me", 0)}); !errors.Is(err, ErrStale) {
				t.Fatalf("stale replace err=%v want ErrStale", err)
			}
			return nil
		}},
		{"history lands", func() error {
			return s.ReplaceMessages(sel, []Message{
				direct("d1", "bob", "me", time.Minute),
				direct("r2", "me", "bob", 2*time.Minute),
				direct("h2", "bob", "me", 2*time.Minute),
				direct("d3", "bob", "me", 3*time.Minute),
			})
		}},
		{"same instant arrival", appendMsg(direct("h2b", "bob", "me", 2*time.Minute))},
		{"mark read", func() error {
			_, err := s.MarkRead("bob")
			return err
		}},
		{"stale status redelivery", appendMsg(stale)},
		{"new unread", appendMsg(direct("d4", "bob", "me", 4*time.Minute))},
	}

	wasRead := map[string]bool{}
	assertInvariants(t, s, "select", wasRead)
	for _, st := range steps {
		if err := st.run(); err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		assertInvariants(t, s, st.name, wasRead)
	}

	got := ids(s.Messages("bob"))
	want := []string{"d1", "r2", "h2", "h2b", "d3", "d4"}
	if len(got) != len(want) {
		t.Fatalf("messages=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages=%v want=%v", got, want)
		}
	}
	if c, _ := s.Conversation("bob"); c.UnreadCount != 1 {
		t.Fatalf("unread=%d want=1", c.UnreadCount)
	}
}
