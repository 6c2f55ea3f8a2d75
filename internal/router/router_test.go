package router_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/e2echat/relay/internal/router"
	"github.com/e2echat/relay/pkg/protocol"
	"github.com/e2echat/relay/pkg/session"
	"github.com/e2echat/relay/pkg/session/sessionstore"
)

// --- Test Suite Setup ---

type fakeConn struct {
	id uuid.UUID

	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (c *fakeConn) Send(message []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		panic(fmt.Sprintf("router sent a non-envelope frame: %v", err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
}

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]string, 0, len(c.frames))
	for _, env := range c.frames {
		events = append(events, env.Event)
	}
	return events
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) lastPayload(t *testing.T, event string, out any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			if err := json.Unmarshal(c.frames[i].Payload, out); err != nil {
				t.Fatalf("failed to decode %s payload: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("no %s frame received; got %v", event, c.events())
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func newTestRouter() *router.EventRouter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	return router.NewEventRouter(logger, sessionstore.NewInMemoryManager(logger))
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", event, err)
	}
	return data
}

func join(t *testing.T, r *router.EventRouter, conn *fakeConn, sessionRef, userID string, creator bool) {
	t.Helper()
	r.Register(conn)
	r.HandleMessage(conn, frame(t, protocol.EventJoinSession, protocol.JoinPayload{
		SessionID:   sessionRef,
		UserID:      userID,
		DisplayName: "name-" + userID,
		PublicKey:   "pk-" + userID,
		IsCreator:   creator,
	}))
}

// --- Join ---

func TestJoinDeliversHistoryAndMetadata(t *testing.T) {
	r := newTestRouter()
	conn := newFakeConn()
	join(t, r, conn, "room:key", "alice", true)

	for _, want := range []string{protocol.EventMessagesHistory, protocol.EventSessionMetadata, protocol.EventPublicKeysUpdated} {
		if conn.count(want) == 0 {
			t.Errorf("joiner did not receive %s; got %v", want, conn.events())
		}
	}

	var meta protocol.MetadataPayload
	conn.lastPayload(t, protocol.EventSessionMetadata, &meta)
	if meta.ChatMode != string(session.ModeGroup) {
		t.Errorf("expected group metadata, got %q", meta.ChatMode)
	}
}

func TestJoinAnnouncesOnlyFirstJoins(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	if alice.count(protocol.EventUserJoined) != 1 {
		t.Errorf("expected one user-joined at alice, got %v", alice.events())
	}

	// Bob reconnects on a new socket: roster refresh, no re-announcement.
	alice.reset()
	bob2 := newFakeConn()
	join(t, r, bob2, "room:key", "bob", false)
	if alice.count(protocol.EventUserJoined) != 0 {
		t.Errorf("reconnect must not announce user-joined; alice got %v", alice.events())
	}
	if alice.count(protocol.EventPublicKeysUpdated) == 0 {
		t.Error("reconnect should still refresh the roster")
	}
}

func TestJoinRejectionSendsSessionError(t *testing.T) {
	// Private cap is two; the third join must bounce with SESSION_FULL.
	r := newTestRouterWithPrivate(t, "duo", "key")
	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()
	join(t, r, a, "duo:key", "alice", true)
	join(t, r, b, "duo:key", "bob", false)
	join(t, r, c, "duo:key", "carol", false)

	var errPayload protocol.ErrorPayload
	c.lastPayload(t, protocol.EventSessionError, &errPayload)
	if errPayload.Code != session.CodeSessionFull {
		t.Errorf("expected SESSION_FULL, got %+v", errPayload)
	}
}

func newTestRouterWithPrivate(t *testing.T, sessionID, authKey string) *router.EventRouter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	mgr := sessionstore.NewInMemoryManager(logger)
	if err := mgr.Reserve(sessionID, authKey, session.ModePrivate); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	return router.NewEventRouter(logger, mgr)
}

// --- Messaging ---

func TestGroupBroadcastExcludesSender(t *testing.T) {
	r := newTestRouter()
	conns := map[string]*fakeConn{"alice": newFakeConn(), "bob": newFakeConn(), "carol": newFakeConn()}
	join(t, r, conns["alice"], "room:key", "alice", true)
	join(t, r, conns["bob"], "room:key", "bob", false)
	join(t, r, conns["carol"], "room:key", "carol", false)

	r.HandleMessage(conns["alice"], frame(t, protocol.EventSendMessage, protocol.SendPayload{
		SessionID: "room:key",
		MessageID: "m1",
		From:      "alice",
		To:        "all",
		Encrypted: "group-ciphertext",
	}))

	if conns["alice"].count(protocol.EventNewMessage) != 0 {
		t.Error("sender must not receive their own broadcast")
	}
	if conns["alice"].count(protocol.EventMessageSent) != 1 {
		t.Errorf("sender should get exactly one confirmation, got %v", conns["alice"].events())
	}
	for _, peer := range []string{"bob", "carol"} {
		var rec protocol.MessageRecord
		conns[peer].lastPayload(t, protocol.EventNewMessage, &rec)
		if rec.Encrypted != "group-ciphertext" || rec.SenderDisplayName != "name-alice" {
			t.Errorf("%s received wrong record: %+v", peer, rec)
		}
		if rec.Timestamp == 0 {
			t.Errorf("%s received a record without a relay timestamp", peer)
		}
	}
}

func TestPrivateFanOutConfirmsOnce(t *testing.T) {
	r := newTestRouter()
	alice, bob, carol := newFakeConn(), newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)
	join(t, r, carol, "room:key", "carol", false)

	// One logical message, a separately encrypted copy per peer.
	for _, target := range []struct{ to, blob string }{
		{"bob", "for-bob"},
		{"carol", "for-carol"},
	} {
		r.HandleMessage(alice, frame(t, protocol.EventSendMessage, protocol.SendPayload{
			SessionID: "room:key",
			MessageID: "m1",
			From:      "alice",
			To:        target.to,
			Encrypted: target.blob,
		}))
	}

	if got := alice.count(protocol.EventMessageSent); got != 1 {
		t.Errorf("fan-out must confirm once, got %d confirmations", got)
	}

	var rec protocol.MessageRecord
	bob.lastPayload(t, protocol.EventNewMessage, &rec)
	if rec.Encrypted != "for-bob" {
		t.Errorf("bob got the wrong copy: %+v", rec)
	}
	carol.lastPayload(t, protocol.EventNewMessage, &rec)
	if rec.Encrypted != "for-carol" {
		t.Errorf("carol got the wrong copy: %+v", rec)
	}
	if bob.count(protocol.EventNewMessage) != 1 {
		t.Errorf("bob should see exactly one copy, got %v", bob.events())
	}
}

func TestOriginalContentStaysWithAuthor(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.HandleMessage(alice, frame(t, protocol.EventSendMessage, protocol.SendPayload{
		SessionID:       "room:key",
		MessageID:       "m1",
		From:            "alice",
		To:              "all",
		Encrypted:       "ciphertext",
		OriginalContent: "plaintext mirror",
	}))

	var rec protocol.MessageRecord
	bob.lastPayload(t, protocol.EventNewMessage, &rec)
	if rec.OriginalContent != "" {
		t.Error("plaintext mirror leaked to a non-author recipient")
	}

	var conf protocol.ConfirmationPayload
	alice.lastPayload(t, protocol.EventMessageSent, &conf)
	if conf.OriginalContent != "plaintext mirror" {
		t.Errorf("confirmation should echo the mirror to the author, got %+v", conf)
	}

	// On reconnect only the author's history rows carry the mirror.
	alice2, bob2 := newFakeConn(), newFakeConn()
	join(t, r, alice2, "room:key", "alice", true)
	join(t, r, bob2, "room:key", "bob", false)

	var history protocol.HistoryPayload
	alice2.lastPayload(t, protocol.EventMessagesHistory, &history)
	if len(history.Messages) != 1 || history.Messages[0].OriginalContent != "plaintext mirror" {
		t.Errorf("author's history should carry the mirror: %+v", history.Messages)
	}
	var bobHistory protocol.HistoryPayload
	bob2.lastPayload(t, protocol.EventMessagesHistory, &bobHistory)
	if len(bobHistory.Messages) != 1 || bobHistory.Messages[0].OriginalContent != "" {
		t.Errorf("non-author history must not carry the mirror: %+v", bobHistory.Messages)
	}
}

func TestSendToUnknownSessionIsDropped(t *testing.T) {
	r := newTestRouter()
	conn := newFakeConn()
	r.Register(conn)
	r.HandleMessage(conn, frame(t, protocol.EventSendMessage, protocol.SendPayload{
		SessionID: "ghost",
		From:      "alice",
		Encrypted: "blob",
	}))
	if got := conn.count(protocol.EventMessageSent); got != 0 {
		t.Errorf("unknown session must not confirm, got %d", got)
	}
}

func TestSendToAbsentRecipientDropsButConfirms(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.HandleMessage(alice, frame(t, protocol.EventSendMessage, protocol.SendPayload{
		SessionID: "room:key",
		MessageID: "m1",
		From:      "alice",
		To:        "gone",
		Encrypted: "blob",
	}))

	if bob.count(protocol.EventNewMessage) != 0 {
		t.Error("an addressed copy must never reach other members")
	}
	if alice.count(protocol.EventMessageSent) != 1 {
		t.Errorf("sender still gets its confirmation, got %v", alice.events())
	}
}

func TestSendAssignsMessageIDWhenMissing(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.HandleMessage(alice, frame(t, protocol.EventSendMessage, protocol.SendPayload{
		SessionID: "room:key",
		From:      "alice",
		To:        "all",
		Encrypted: "blob",
	}))

	var conf protocol.ConfirmationPayload
	alice.lastPayload(t, protocol.EventMessageSent, &conf)
	if conf.MessageID == "" {
		t.Error("relay should assign an id when the sender omitted one")
	}
}

func TestSavePublicKeyBroadcastsRoster(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)
	alice.reset()

	r.HandleMessage(bob, frame(t, protocol.EventSavePublicKey, protocol.PublicKeyPayload{
		SessionID: "room:key",
		UserID:    "bob",
		PublicKey: "pk-bob-rotated",
	}))

	var roster protocol.RosterPayload
	alice.lastPayload(t, protocol.EventPublicKeysUpdated, &roster)
	found := false
	for _, entry := range roster.PublicKeys {
		if entry.UserID == "bob" && entry.PublicKey == "pk-bob-rotated" {
			found = true
		}
	}
	if !found {
		t.Errorf("rotated key missing from broadcast roster: %+v", roster)
	}
}

func TestGetPublicKeysRepliesToRequester(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)
	alice.reset()
	bob.reset()

	r.HandleMessage(bob, frame(t, protocol.EventGetPublicKeys, protocol.GetPublicKeysPayload{
		SessionID: "room:key",
		UserID:    "bob",
	}))

	var roster protocol.RosterPayload
	bob.lastPayload(t, protocol.EventPublicKeysUpdated, &roster)
	if len(roster.PublicKeys) != 1 || roster.PublicKeys[0].UserID != "alice" {
		t.Errorf("expected the roster minus the requester, got %+v", roster)
	}
	if alice.count(protocol.EventPublicKeysUpdated) != 0 {
		t.Error("an explicit roster request replies to the requester only")
	}
}

// --- Session key distribution ---

func TestSetSessionKeyDeliversPerMember(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.HandleMessage(alice, frame(t, protocol.EventSetSessionKey, protocol.SessionKeyPayload{
		SessionID: "room:key",
		WrappedKeys: map[string]string{
			"alice": "wrapped-for-alice",
			"bob":   "wrapped-for-bob",
		},
	}))

	var got protocol.SessionKeyAvailablePayload
	bob.lastPayload(t, protocol.EventSessionKeyAvailable, &got)
	if got.EncryptedKey != "wrapped-for-bob" {
		t.Errorf("bob received the wrong wrapped key: %+v", got)
	}
	alice.lastPayload(t, protocol.EventSessionKeyAvailable, &got)
	if got.EncryptedKey != "wrapped-for-alice" {
		t.Errorf("alice received the wrong wrapped key: %+v", got)
	}
}

func TestSetSessionKeyRejectedForPrivate(t *testing.T) {
	r := newTestRouterWithPrivate(t, "duo", "key")
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "duo:key", "alice", true)
	join(t, r, bob, "duo:key", "bob", false)

	r.HandleMessage(alice, frame(t, protocol.EventSetSessionKey, protocol.SessionKeyPayload{
		SessionID:   "duo:key",
		WrappedKeys: map[string]string{"alice": "x", "bob": "y"},
	}))
	if bob.count(protocol.EventSessionKeyAvailable) != 0 {
		t.Error("private sessions must never distribute a shared key")
	}
}

// --- Presence & lifecycle ---

func TestTypingRelay(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.HandleMessage(alice, frame(t, protocol.EventTyping, protocol.TypingPayload{
		SessionID: "room:key", UserID: "alice", DisplayName: "Alice",
	}))
	if bob.count(protocol.EventUserTyping) != 1 {
		t.Errorf("bob should see one user-typing, got %v", bob.events())
	}
	if alice.count(protocol.EventUserTyping) != 0 {
		t.Error("typing must not echo to the typist")
	}

	r.HandleMessage(alice, frame(t, protocol.EventStoppedTyping, protocol.TypingPayload{
		SessionID: "room:key", UserID: "alice",
	}))
	if bob.count(protocol.EventUserStoppedTyping) != 1 {
		t.Errorf("bob should see one user-stopped-typing, got %v", bob.events())
	}
}

func TestFileDownloadNotifiesSenderOnly(t *testing.T) {
	r := newTestRouter()
	alice, bob, carol := newFakeConn(), newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)
	join(t, r, carol, "room:key", "carol", false)

	r.HandleMessage(bob, frame(t, protocol.EventFileDownloaded, protocol.FileDownloadedPayload{
		SessionID:    "room:key",
		DownloadedBy: "name-bob",
		SenderID:     "alice",
		FileName:     "cat.png",
	}))

	var note protocol.DownloadNotificationPayload
	alice.lastPayload(t, protocol.EventDownloadNotification, &note)
	if note.DownloadedBy != "name-bob" || note.FileName != "cat.png" {
		t.Errorf("unexpected notification: %+v", note)
	}
	if carol.count(protocol.EventDownloadNotification) != 0 {
		t.Error("download receipts go to the sender only")
	}
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.HandleMessage(bob, frame(t, protocol.EventLeaveSession, protocol.LeavePayload{
		SessionID: "room:key", UserID: "bob",
	}))

	var left protocol.PresencePayload
	alice.lastPayload(t, protocol.EventUserLeft, &left)
	if left.UserID != "bob" {
		t.Errorf("expected bob's departure, got %+v", left)
	}
}

func TestDisconnectAnnouncesUnlessReconnected(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	// Bob reconnects before the old socket's close is processed.
	bob2 := newFakeConn()
	join(t, r, bob2, "room:key", "bob", false)
	alice.reset()

	r.Disconnect(bob.ID())
	if alice.count(protocol.EventUserLeft) != 0 {
		t.Errorf("stale disconnect must not announce a departure, alice got %v", alice.events())
	}

	r.Disconnect(bob2.ID())
	if alice.count(protocol.EventUserLeft) != 1 {
		t.Errorf("live disconnect should announce exactly once, alice got %v", alice.events())
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	r := newTestRouter()
	conn := newFakeConn()
	r.Register(conn)
	r.HandleMessage(conn, []byte("{not json"))
	r.HandleMessage(conn, frame(t, "no-such-event", nil))
	if len(conn.events()) != 0 {
		t.Errorf("malformed input should produce no frames, got %v", conn.events())
	}
}

func TestCloseAll(t *testing.T) {
	r := newTestRouter()
	alice, bob := newFakeConn(), newFakeConn()
	join(t, r, alice, "room:key", "alice", true)
	join(t, r, bob, "room:key", "bob", false)

	r.CloseAll(nil)
	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if !closed {
			t.Errorf("%s's connection was not closed", name)
		}
	}
}
