// Package router dispatches decoded client frames to session operations and
// fans resulting events back out to session members. It never sees
// plaintext; every message body it touches is ciphertext produced by a
// client.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/e2echat/relay/pkg/protocol"
	"github.com/e2echat/relay/pkg/session"
)

// Conn is the transport handle the router needs: an id to key state by, a
// way to push frames, and a way to hang up.
type Conn interface {
	session.Conn
	ID() uuid.UUID
	Close(err error)
}

// binding records which session membership a connection currently speaks
// for. Set on a successful join, cleared on leave or disconnect.
type binding struct {
	sessionID string
	userID    string
}

type EventRouter struct {
	logger   *slog.Logger
	sessions session.Manager

	mu       sync.RWMutex
	conns    map[uuid.UUID]Conn
	bindings map[uuid.UUID]binding
}

func NewEventRouter(logger *slog.Logger, sessions session.Manager) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "router")),
		sessions: sessions,
		conns:    make(map[uuid.UUID]Conn),
		bindings: make(map[uuid.UUID]binding),
	}
}

// Register tracks a freshly accepted connection. It carries no session
// membership until its join-session frame is admitted.
func (r *EventRouter) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// HandleMessage decodes one inbound frame and routes it by event name.
func (r *EventRouter) HandleMessage(conn Conn, data []byte) {
	if !gjson.ValidBytes(data) {
		r.logger.Warn("Dropping malformed frame", slog.String("connID", conn.ID().String()))
		return
	}
	event := gjson.GetBytes(data, "event").String()
	payload := []byte(gjson.GetBytes(data, "payload").Raw)

	switch event {
	case protocol.EventJoinSession:
		r.handleJoin(conn, payload)
	case protocol.EventSavePublicKey:
		r.handleSavePublicKey(conn, payload)
	case protocol.EventGetPublicKeys:
		r.handleGetPublicKeys(conn, payload)
	case protocol.EventSetSessionKey:
		r.handleSetSessionKey(conn, payload)
	case protocol.EventSendMessage:
		r.handleSend(conn, payload)
	case protocol.EventLeaveSession:
		r.handleLeave(conn, payload)
	case protocol.EventTyping:
		r.handleTyping(conn, payload, protocol.EventUserTyping)
	case protocol.EventStoppedTyping:
		r.handleTyping(conn, payload, protocol.EventUserStoppedTyping)
	case protocol.EventFileDownloaded:
		r.handleFileDownloaded(conn, payload)
	default:
		r.logger.Warn("Unknown event", slog.String("event", event))
	}
}

func (r *EventRouter) handleJoin(conn Conn, payload []byte) {
	var p protocol.JoinPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.UserID == "" {
		r.logger.Warn("Invalid join payload", slog.Any("error", err))
		return
	}

	ref := session.ParseSessionRef(p.SessionID)
	res, err := r.sessions.Join(session.JoinRequest{
		Ref:         ref,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		PublicKey:   p.PublicKey,
		IsCreator:   p.IsCreator,
		AuthKey:     p.AuthKey,
		ConnID:      conn.ID(),
		Conn:        conn,
	})
	if err != nil {
		r.sendError(conn, err)
		return
	}

	r.mu.Lock()
	r.bindings[conn.ID()] = binding{sessionID: res.SessionID, userID: p.UserID}
	r.mu.Unlock()

	r.send(conn, protocol.EventMessagesHistory, protocol.HistoryPayload{
		SessionID: res.SessionID,
		Messages:  toRecords(res.History, p.UserID),
	})
	r.send(conn, protocol.EventSessionMetadata, protocol.MetadataPayload{
		SessionID:           res.SessionID,
		ChatMode:            string(res.Mode),
		EncryptedSessionKey: res.WrappedSessionKey,
	})

	if res.FirstJoin {
		r.broadcast(res.SessionID, p.UserID, protocol.EventUserJoined, protocol.PresencePayload{
			SessionID:   res.SessionID,
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			PublicKey:   p.PublicKey,
		})
	}
	r.broadcastRoster(res.SessionID)

	r.logger.Info("User joined session",
		slog.String("sessionID", res.SessionID),
		slog.String("userID", p.UserID),
		slog.String("mode", string(res.Mode)),
		slog.Bool("firstJoin", res.FirstJoin),
	)
}

func (r *EventRouter) handleSavePublicKey(conn Conn, payload []byte) {
	var p protocol.PublicKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.UserID == "" || p.PublicKey == "" {
		r.logger.Warn("Invalid save-public-key payload", slog.Any("error", err))
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID
	ok := r.sessions.SavePublicKey(sessionID, &session.PublicKeyRecord{
		UserID:      p.UserID,
		PublicKey:   p.PublicKey,
		DisplayName: p.DisplayName,
		JoinedAt:    time.Now().UnixMilli(),
	})
	if !ok {
		return
	}
	r.broadcastRoster(sessionID)
}

func (r *EventRouter) handleGetPublicKeys(conn Conn, payload []byte) {
	var p protocol.GetPublicKeysPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID
	r.send(conn, protocol.EventPublicKeysUpdated, rosterPayload(sessionID, r.sessions.PublicKeys(sessionID, p.UserID)))
}

func (r *EventRouter) handleSetSessionKey(conn Conn, payload []byte) {
	var p protocol.SessionKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || len(p.WrappedKeys) == 0 {
		r.logger.Warn("Invalid set-session-key payload", slog.Any("error", err))
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID
	if !r.sessions.SetSessionKey(sessionID, p.WrappedKeys) {
		r.logger.Warn("Session key distribution rejected", slog.String("sessionID", sessionID))
		return
	}

	// Each member gets only their own wrapped copy.
	for _, member := range r.sessions.Members(sessionID) {
		wrapped, ok := p.WrappedKeys[member.UserID]
		if !ok || member.Transport == nil {
			continue
		}
		r.sendTo(member.Transport, protocol.EventSessionKeyAvailable, protocol.SessionKeyAvailablePayload{
			SessionID:    sessionID,
			EncryptedKey: wrapped,
		})
	}
	r.logger.Info("Session key distributed",
		slog.String("sessionID", sessionID),
		slog.Int("recipients", len(p.WrappedKeys)),
	)
}

func (r *EventRouter) handleSend(conn Conn, payload []byte) {
	var p protocol.SendPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.From == "" || p.Encrypted == "" {
		r.logger.Warn("Invalid send payload", slog.Any("error", err))
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID

	id := p.MessageID
	if id == "" {
		id = "msg-" + uuid.NewString()
	}
	msg := &session.Message{
		ID:              id,
		From:            p.From,
		To:              p.To,
		Encrypted:       p.Encrypted,
		Type:            p.Type,
		OriginalContent: p.OriginalContent,
	}
	stored, first := r.sessions.StoreMessage(sessionID, msg)
	if stored == nil {
		r.logger.Warn("Message for unknown session dropped", slog.String("sessionID", sessionID))
		return
	}

	// The plaintext mirror never travels to anyone but its author; routed
	// records carry ciphertext only.
	record := &protocol.MessageRecord{
		ID:                msg.ID,
		From:              msg.From,
		To:                msg.To,
		Encrypted:         msg.Encrypted,
		Timestamp:         msg.Timestamp,
		Type:              msg.Type,
		SenderDisplayName: msg.SenderDisplayName,
	}

	if msg.To == "" || msg.To == session.BroadcastTarget {
		r.broadcast(sessionID, msg.From, protocol.EventNewMessage, record)
	} else if member, ok := r.sessions.Member(sessionID, msg.To); ok && member.Transport != nil {
		r.sendTo(member.Transport, protocol.EventNewMessage, record)
	} else {
		// Addressed copy with no live recipient. The sender still gets its
		// confirmation below; there is nothing useful to tell anyone else.
		r.logger.Warn("Dropping message for absent recipient",
			slog.String("sessionID", sessionID),
			slog.String("to", msg.To),
		)
	}

	// Only the first stored copy of an id is confirmed, so a private
	// fan-out yields exactly one message-sent.
	if first {
		r.send(conn, protocol.EventMessageSent, protocol.ConfirmationPayload{
			SessionID:       sessionID,
			MessageID:       msg.ID,
			Timestamp:       msg.Timestamp,
			OriginalContent: msg.OriginalContent,
		})
	}
}

func (r *EventRouter) handleLeave(conn Conn, payload []byte) {
	var p protocol.LeavePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.UserID == "" {
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID
	member, ok := r.sessions.Leave(sessionID, p.UserID)
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.bindings, conn.ID())
	r.mu.Unlock()

	r.broadcast(sessionID, p.UserID, protocol.EventUserLeft, protocol.PresencePayload{
		SessionID:   sessionID,
		UserID:      p.UserID,
		DisplayName: member.DisplayName,
	})
	r.broadcastRoster(sessionID)

	r.logger.Info("User left session", slog.String("sessionID", sessionID), slog.String("userID", p.UserID))
}

func (r *EventRouter) handleTyping(conn Conn, payload []byte, outEvent string) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.UserID == "" {
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID
	r.broadcast(sessionID, p.UserID, outEvent, protocol.TypingPayload{
		SessionID:   sessionID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
	})
}

// handleFileDownloaded forwards a download receipt to the file's original
// sender only. Best effort: a sender who already left just misses it.
func (r *EventRouter) handleFileDownloaded(conn Conn, payload []byte) {
	var p protocol.FileDownloadedPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.SenderID == "" {
		return
	}
	sessionID := session.ParseSessionRef(p.SessionID).ID
	sender, ok := r.sessions.Member(sessionID, p.SenderID)
	if !ok || sender.Transport == nil {
		r.logger.Warn("Download notification for absent sender dropped",
			slog.String("sessionID", sessionID),
			slog.String("senderID", p.SenderID),
		)
		return
	}
	r.sendTo(sender.Transport, protocol.EventDownloadNotification, protocol.DownloadNotificationPayload{
		DownloadedBy: p.DownloadedBy,
		FileName:     p.FileName,
		Timestamp:    time.Now().UnixMilli(),
	})
}

// Disconnect handles a transport-level close. If the connection still backs
// a membership, the member is removed and the rest of the session is told.
func (r *EventRouter) Disconnect(connID uuid.UUID) {
	r.mu.Lock()
	bound, ok := r.bindings[connID]
	delete(r.bindings, connID)
	delete(r.conns, connID)
	r.mu.Unlock()
	if !ok {
		return
	}

	member, removed := r.sessions.DropConnection(bound.sessionID, bound.userID, connID)
	if !removed {
		// The user already reconnected on a fresh socket; this close is
		// stale and must not announce a departure.
		return
	}
	r.broadcast(bound.sessionID, bound.userID, protocol.EventUserLeft, protocol.PresencePayload{
		SessionID:   bound.sessionID,
		UserID:      bound.userID,
		DisplayName: member.DisplayName,
	})
	r.broadcastRoster(bound.sessionID)

	r.logger.Info("Disconnected member removed",
		slog.String("sessionID", bound.sessionID),
		slog.String("userID", bound.userID),
	)
}

// CloseAll hangs up every tracked connection. Used during shutdown.
func (r *EventRouter) CloseAll(err error) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(err)
	}
}

func (r *EventRouter) sendError(conn Conn, err error) {
	adm, ok := err.(*session.AdmissionError)
	if !ok {
		adm = &session.AdmissionError{Code: "INTERNAL", Message: "internal error"}
	}
	r.send(conn, protocol.EventSessionError, protocol.ErrorPayload{Code: adm.Code, Message: adm.Message})
}

func (r *EventRouter) send(conn Conn, event string, payload any) {
	r.sendTo(conn, event, payload)
}

func (r *EventRouter) sendTo(target session.Conn, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("Failed to encode frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	target.Send(frame)
}

// broadcast pushes a frame to every connected member except excludeUserID.
func (r *EventRouter) broadcast(sessionID, excludeUserID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("Failed to encode frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, member := range r.sessions.Members(sessionID) {
		if member.UserID == excludeUserID || member.Transport == nil {
			continue
		}
		member.Transport.Send(frame)
	}
}

func (r *EventRouter) broadcastRoster(sessionID string) {
	payload := rosterPayload(sessionID, r.sessions.PublicKeys(sessionID, ""))
	frame, err := protocol.Encode(protocol.EventPublicKeysUpdated, payload)
	if err != nil {
		r.logger.Error("Failed to encode roster frame", slog.Any("error", err))
		return
	}
	for _, member := range r.sessions.Members(sessionID) {
		if member.Transport == nil {
			continue
		}
		member.Transport.Send(frame)
	}
}

func rosterPayload(sessionID string, recs []*session.PublicKeyRecord) protocol.RosterPayload {
	entries := make([]protocol.RosterEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, protocol.RosterEntry{
			UserID:      rec.UserID,
			PublicKey:   rec.PublicKey,
			DisplayName: rec.DisplayName,
			JoinedAt:    rec.JoinedAt,
		})
	}
	return protocol.RosterPayload{SessionID: sessionID, PublicKeys: entries}
}

// toRecords converts stored messages into the replay wire form for one
// viewer. The plaintext mirror is included only on the viewer's own rows.
func toRecords(msgs []*session.Message, viewerID string) []*protocol.MessageRecord {
	records := make([]*protocol.MessageRecord, 0, len(msgs))
	for _, msg := range msgs {
		record := &protocol.MessageRecord{
			ID:                msg.ID,
			From:              msg.From,
			To:                msg.To,
			Encrypted:         msg.Encrypted,
			Timestamp:         msg.Timestamp,
			Type:              msg.Type,
			SenderDisplayName: msg.SenderDisplayName,
		}
		if msg.From == viewerID {
			record.OriginalContent = msg.OriginalContent
		}
		records = append(records, record)
	}
	return records
}
