package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"proconnect/internal/registry"
	"proconnect/pkg/logger"
)

// testHarness wires a gateway against the in-memory store, a loopback
// broker, and registry-attached sessions without real websockets.
type testHarness struct {
	t      *testing.T
	gw     *Gateway
	store  *MemoryStore
	unread *UnreadCounter
	reg    *registry.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := NewMemoryStore()
	reg := registry.New()
	unread := NewUnreadCounter(store, newMemoryCache(), time.Minute, logger.NewNop())
	broker := NewLoopbackBroker()
	gw := NewGateway(context.Background(), store, reg, unread, broker, logger.NewNop())
	if err := gw.Run(); err != nil {
		t.Fatalf("gateway Run() error = %v", err)
	}
	return &testHarness{t: t, gw: gw, store: store, unread: unread, reg: reg}
}

// connect creates an active session for the identity without a transport.
func (h *testHarness) connect(userID int, username string) *Session {
	s := newSession(h.gw, nil, userID, username)
	s.state.Store(stateActive)
	h.reg.Register(userID, s)
	return s
}

func command(event string, cmd Command) []byte {
	data, _ := json.Marshal(cmd)
	raw, _ := json.Marshal(Envelope{Event: event, Data: data})
	return raw
}

// nextEvent pops one queued outbound envelope from the session.
func nextEvent(t *testing.T, s *Session) *Envelope {
	t.Helper()
	select {
	case payload := <-s.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("malformed outbound payload: %v", err)
		}
		return &env
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func decodeMessage(t *testing.T, env *Envelope) Message {
	t.Helper()
	var m Message
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("malformed message event: %v", err)
	}
	return m
}

func TestGateway_SendMessageFansOutToAllRecipientSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	aliceTab := h.connect(alice, "alice")
	bobPhone := h.connect(bob, "bob")
	bobLaptop := h.connect(bob, "bob")

	h.gw.handleCommand(aliceTab, command(CommandSendMessage, Command{ConversationID: conv.ID, Content: "Hi"}))

	for _, s := range []*Session{bobPhone, bobLaptop} {
		env := nextEvent(t, s)
		if env == nil || env.Event != EventMessage {
			t.Fatalf("recipient session got %v, want message event", env)
		}
		msg := decodeMessage(t, env)
		if msg.Content != "Hi" || msg.SenderID != alice || msg.IsRead {
			t.Errorf("unexpected message payload: %+v", msg)
		}
		// Not watching the conversation, so a notification follows.
		note := nextEvent(t, s)
		if note == nil || note.Event != EventNotification {
			t.Errorf("recipient session got %v, want notification event", note)
		}
	}

	count, err := h.unread.Total(ctx, bob)
	if err != nil {
		t.Fatalf("unread Total() error = %v", err)
	}
	if count != 1 {
		t.Errorf("unread total for bob = %d, want 1", count)
	}
}

func TestGateway_SenderEchoReachesOtherTabsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	tab1 := h.connect(alice, "alice")
	tab2 := h.connect(alice, "alice")

	h.gw.handleCommand(tab1, command(CommandSendMessage, Command{ConversationID: conv.ID, Content: "from tab 1"}))

	env := nextEvent(t, tab2)
	if env == nil || env.Event != EventMessage {
		t.Fatalf("second tab got %v, want message echo", env)
	}
	if msg := decodeMessage(t, env); msg.Content != "from tab 1" {
		t.Errorf("echo content = %q", msg.Content)
	}

	if env := nextEvent(t, tab1); env != nil {
		t.Errorf("originating tab received %v, want nothing", env)
	}
}

func TestGateway_OfflineRecipientStillPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	aliceTab := h.connect(alice, "alice")
	// Bob has zero live sessions.

	h.gw.handleCommand(aliceTab, command(CommandSendMessage, Command{ConversationID: conv.ID, Content: "Hello"}))

	msgs, err := h.store.ListMessages(ctx, conv.ID, bob)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello" {
		t.Fatalf("message not persisted for offline recipient: %+v", msgs)
	}

	count, _ := h.unread.Total(ctx, bob)
	if count != 1 {
		t.Errorf("unread total for offline bob = %d, want 1", count)
	}
}

func TestGateway_SendByNonParticipantReturnsErrorEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	eve := h.store.AddUser("eve")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	eveTab := h.connect(eve, "eve")
	bobTab := h.connect(bob, "bob")

	h.gw.handleCommand(eveTab, command(CommandSendMessage, Command{ConversationID: conv.ID, Content: "let me in"}))

	env := nextEvent(t, eveTab)
	if env == nil || env.Event != EventError {
		t.Fatalf("eve got %v, want error event", env)
	}
	var ee ErrorEvent
	json.Unmarshal(env.Data, &ee)
	if ee.Code != CodeNotAParticipant {
		t.Errorf("error code = %q, want %q", ee.Code, CodeNotAParticipant)
	}

	// The channel stays open and nobody else hears about it.
	if !eveTab.active() {
		t.Error("eve's session should stay active after a rejected command")
	}
	if env := nextEvent(t, bobTab); env != nil {
		t.Errorf("bob received %v, want nothing", env)
	}
}

func TestGateway_MalformedPayloadKeepsChannelOpen(t *testing.T) {
	h := newHarness(t)

	alice := h.store.AddUser("alice")
	tab := h.connect(alice, "alice")

	h.gw.handleCommand(tab, []byte("{not json"))

	env := nextEvent(t, tab)
	if env == nil || env.Event != EventError {
		t.Fatalf("got %v, want error event", env)
	}
	if !tab.active() {
		t.Error("session should survive a malformed command")
	}
}

func TestGateway_JoinByNonParticipantIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	eve := h.store.AddUser("eve")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	eveTab := h.connect(eve, "eve")
	h.gw.handleCommand(eveTab, command(CommandJoinConversation, Command{ConversationID: conv.ID}))

	// No data leaks back, not even an error event.
	if env := nextEvent(t, eveTab); env != nil {
		t.Errorf("eve received %v, want nothing", env)
	}
	if eveTab.Watching(conv.ID) {
		t.Error("eve must not be marked as watching")
	}
}

func TestGateway_JoinedSessionSkipsNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	aliceTab := h.connect(alice, "alice")
	bobTab := h.connect(bob, "bob")
	h.gw.handleCommand(bobTab, command(CommandJoinConversation, Command{ConversationID: conv.ID}))

	h.gw.handleCommand(aliceTab, command(CommandSendMessage, Command{ConversationID: conv.ID, Content: "Hi"}))

	env := nextEvent(t, bobTab)
	if env == nil || env.Event != EventMessage {
		t.Fatalf("bob got %v, want message event", env)
	}
	if extra := nextEvent(t, bobTab); extra != nil {
		t.Errorf("watching session got %v, want no notification", extra)
	}
}

func TestGateway_TypingReachesOnlyWatchingSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	aliceTab := h.connect(alice, "alice")
	bobWatching := h.connect(bob, "bob")
	bobIdle := h.connect(bob, "bob")
	h.gw.handleCommand(bobWatching, command(CommandJoinConversation, Command{ConversationID: conv.ID}))

	h.gw.handleCommand(aliceTab, command(CommandTypingStart, Command{GroupID: conv.ID}))

	env := nextEvent(t, bobWatching)
	if env == nil || env.Event != EventTypingStart {
		t.Fatalf("watching session got %v, want typingStart", env)
	}
	var te TypingEvent
	json.Unmarshal(env.Data, &te)
	if te.UserID != alice || te.User != "alice" || te.GroupID != conv.ID {
		t.Errorf("typing event = %+v", te)
	}

	if env := nextEvent(t, bobIdle); env != nil {
		t.Errorf("idle session got %v, want nothing", env)
	}
}

func TestGateway_CommandsIgnoredAfterClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.store.AddUser("alice")
	bob := h.store.AddUser("bob")
	conv, _, _ := h.store.FindOrCreateConversation(ctx, alice, bob)

	tab := h.connect(alice, "alice")
	h.gw.dropSession(tab)

	h.gw.handleCommand(tab, command(CommandSendMessage, Command{ConversationID: conv.ID, Content: "late"}))

	msgs, _ := h.store.ListMessages(ctx, conv.ID, alice)
	if len(msgs) != 0 {
		t.Errorf("closed session persisted %d messages, want 0", len(msgs))
	}
	if got := h.reg.SessionCount(); got != 0 {
		t.Errorf("registry still tracks %d sessions, want 0", got)
	}
}

func TestGateway_OverflowedSessionStillUnregisters(t *testing.T) {
	h := newHarness(t)
	h.gw.SetLimits(1, 4096)

	alice := h.store.AddUser("alice")
	tab := h.connect(alice, "alice")

	if err := tab.Push([]byte(`{"event":"message"}`)); err != nil {
		t.Fatalf("first Push() error = %v", err)
	}
	if err := tab.Push([]byte(`{"event":"message"}`)); err == nil {
		t.Fatal("second Push() should overflow the send buffer")
	}
	if tab.active() {
		t.Fatal("overflowed session should be closed")
	}

	// The read pump tears the session down once the transport dies; the
	// registry entry must go with it even though the session is already
	// closed.
	h.gw.dropSession(tab)

	if got := h.reg.SessionCount(); got != 0 {
		t.Errorf("registry still tracks %d sessions after teardown, want 0", got)
	}
	if got := len(h.reg.SessionsFor(alice)); got != 0 {
		t.Errorf("SessionsFor(alice) returned %d sessions, want 0", got)
	}
}

func TestGateway_DropSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)

	alice := h.store.AddUser("alice")
	tab := h.connect(alice, "alice")

	h.gw.dropSession(tab)
	h.gw.dropSession(tab)

	if got := h.reg.SessionCount(); got != 0 {
		t.Errorf("SessionCount() = %d, want 0", got)
	}
}
