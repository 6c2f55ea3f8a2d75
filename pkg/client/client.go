// Package client implements the relay's client-side protocol: it holds the
// identity key pair, runs the join handshake, tracks the peer roster, and
// encrypts or decrypts every message body. Plaintext never crosses the wire.
package client

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/e2echat/relay/pkg/crypto"
	"github.com/e2echat/relay/pkg/protocol"
	"github.com/e2echat/relay/pkg/session"
)

var ErrNotJoined = errors.New("client: not joined to a session")

// Config describes one client identity and the session it targets.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:3001/ws.
	ServerURL string
	// SessionRef is the full credential-bearing reference string exactly as
	// it appears in an invite link.
	SessionRef  string
	UserID      string
	DisplayName string
	IsCreator   bool
	// JoinTimeout bounds how long Join waits for the relay's admission
	// verdict. Zero means 10 seconds.
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// Peer is another session member as the roster reports them. ExportedKey
// keeps the wire form of the key so roster updates can detect a peer that
// rejoined with a fresh key pair.
type Peer struct {
	UserID      string
	DisplayName string
	PublicKey   *rsa.PublicKey
	ExportedKey string
}

// Message is a decrypted (or undecryptable) message as the application
// sees it.
type Message struct {
	ID                string
	From              string
	SenderDisplayName string
	Text              string
	Timestamp         int64
	Type              string
	// Undecryptable marks a ciphertext this client holds no key for, such
	// as another pair's private copy replayed in history.
	Undecryptable bool
}

// Handlers are optional application callbacks, invoked from the read loop.
type Handlers struct {
	OnMessage  func(Message)
	OnPresence func(userID, displayName string, joined bool)
	OnTyping   func(userID, displayName string, typing bool)
	OnError    func(code, message string)
}

type Client struct {
	cfg      Config
	keys     *crypto.KeyPair
	logger   *slog.Logger
	handlers Handlers

	conn *websocket.Conn
	// write pushes one raw frame; swapped out by tests.
	write func(ctx context.Context, data []byte) error

	mu         sync.Mutex
	mode       session.Mode
	peers      map[string]*Peer
	sessionKey []byte
	// sentPlain keeps the plaintext of our own outgoing messages so
	// history replays of them stay readable without decrypting our own
	// recipient-bound copies.
	sentPlain map[string]string
	outbox    []string
	joined    bool
	joinCh    chan error

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config, handlers Handlers) (*Client, error) {
	if cfg.UserID == "" || cfg.SessionRef == "" {
		return nil, errors.New("client: userID and sessionRef are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("client: failed to generate identity keys: %w", err)
	}
	return &Client{
		cfg:       cfg,
		keys:      keys,
		logger:    cfg.Logger.With(slog.String("component", "client"), slog.String("userID", cfg.UserID)),
		handlers:  handlers,
		peers:     make(map[string]*Peer),
		sentPlain: make(map[string]string),
		joinCh:    make(chan error, 1),
		done:      make(chan struct{}),
	}, nil
}

// PublicKey returns this client's exported identity key.
func (c *Client) PublicKey() (string, error) {
	return crypto.ExportPublicKey(c.keys.Public)
}

// Connect dials the relay and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("client: dial failed: %w", err)
	}
	conn.SetReadLimit(32 << 20)
	c.conn = conn
	c.write = func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	}
	go c.readLoop(ctx)
	return nil
}

// Join runs the admission handshake and blocks until the relay answers or
// the timeout elapses.
func (c *Client) Join(ctx context.Context) error {
	pub, err := c.PublicKey()
	if err != nil {
		return err
	}
	err = c.emit(ctx, protocol.EventJoinSession, protocol.JoinPayload{
		SessionID:   c.cfg.SessionRef,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
		PublicKey:   pub,
		IsCreator:   c.cfg.IsCreator,
	})
	if err != nil {
		return err
	}

	select {
	case err := <-c.joinCh:
		return err
	case <-time.After(c.cfg.JoinTimeout):
		return errors.New("client: join timed out")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("client: connection closed during join")
	}
}

// Send encrypts plaintext for the session and ships it. In a group session
// before the shared key arrives, messages queue locally and flush once the
// key is available.
func (c *Client) Send(ctx context.Context, plaintext string) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if c.mode == session.ModeGroup && c.sessionKey == nil {
		c.outbox = append(c.outbox, plaintext)
		c.mu.Unlock()
		c.logger.Debug("Queued message until session key arrives")
		return nil
	}
	c.mu.Unlock()
	return c.sendNow(ctx, plaintext)
}

// inferType classifies a message by its content prefix. Attachments are
// embedded in the plaintext as `[IMAGE]...` or `[FILE]name:mime:...` blobs;
// the relay carries the resulting type opaquely.
func inferType(plaintext string) string {
	switch {
	case strings.HasPrefix(plaintext, "[IMAGE]"):
		return "image"
	case strings.HasPrefix(plaintext, "[FILE]"):
		return "file"
	default:
		return "text"
	}
}

func (c *Client) sendNow(ctx context.Context, plaintext string) error {
	id := "msg-" + uuid.NewString()
	msgType := inferType(plaintext)

	c.mu.Lock()
	mode := c.mode
	key := c.sessionKey
	peers := make([]*Peer, 0, len(c.peers))
	for _, peer := range c.peers {
		if peer.UserID != c.cfg.UserID && peer.PublicKey != nil {
			peers = append(peers, peer)
		}
	}
	c.sentPlain[id] = plaintext
	c.mu.Unlock()

	if mode == session.ModeGroup && key != nil {
		encrypted, err := crypto.EncryptMessage([]byte(plaintext), key)
		if err != nil {
			return fmt.Errorf("client: group encryption failed: %w", err)
		}
		return c.emit(ctx, protocol.EventSendMessage, protocol.SendPayload{
			SessionID:       c.cfg.SessionRef,
			MessageID:       id,
			From:            c.cfg.UserID,
			To:              session.BroadcastTarget,
			Encrypted:       encrypted,
			OriginalContent: plaintext,
			Type:            msgType,
		})
	}

	// Per-recipient fan-out: every copy is separately encrypted but all
	// share one message id so the relay stores and confirms it once.
	if len(peers) == 0 {
		return errors.New("client: no peers with known keys to send to")
	}
	for _, peer := range peers {
		encrypted, err := crypto.EncryptForRecipient([]byte(plaintext), peer.PublicKey)
		if err != nil {
			return fmt.Errorf("client: encryption for %s failed: %w", peer.UserID, err)
		}
		err = c.emit(ctx, protocol.EventSendMessage, protocol.SendPayload{
			SessionID:       c.cfg.SessionRef,
			MessageID:       id,
			From:            c.cfg.UserID,
			To:              peer.UserID,
			Encrypted:       encrypted,
			OriginalContent: plaintext,
			Type:            msgType,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RefreshKeys asks the relay for the current public-key roster. The join
// flow already pushes it; this is for explicit resyncs.
func (c *Client) RefreshKeys(ctx context.Context) error {
	return c.emit(ctx, protocol.EventGetPublicKeys, protocol.GetPublicKeysPayload{
		SessionID: c.cfg.SessionRef,
		UserID:    c.cfg.UserID,
	})
}

// RepublishKey re-advertises this client's public key to the session.
func (c *Client) RepublishKey(ctx context.Context) error {
	pub, err := c.PublicKey()
	if err != nil {
		return err
	}
	return c.emit(ctx, protocol.EventSavePublicKey, protocol.PublicKeyPayload{
		SessionID:   c.cfg.SessionRef,
		UserID:      c.cfg.UserID,
		PublicKey:   pub,
		DisplayName: c.cfg.DisplayName,
	})
}

func (c *Client) Typing(ctx context.Context) error {
	return c.emit(ctx, protocol.EventTyping, protocol.TypingPayload{
		SessionID:   c.cfg.SessionRef,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
	})
}

func (c *Client) StoppedTyping(ctx context.Context) error {
	return c.emit(ctx, protocol.EventStoppedTyping, protocol.TypingPayload{
		SessionID: c.cfg.SessionRef,
		UserID:    c.cfg.UserID,
	})
}

// NotifyDownload tells the file's sender this client saved their attachment.
func (c *Client) NotifyDownload(ctx context.Context, senderID, fileName string) error {
	return c.emit(ctx, protocol.EventFileDownloaded, protocol.FileDownloadedPayload{
		SessionID:    c.cfg.SessionRef,
		DownloadedBy: c.cfg.DisplayName,
		SenderID:     senderID,
		FileName:     fileName,
	})
}

// Leave announces the departure and discards all session key material.
// Idempotent.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	wasJoined := c.joined
	c.joined = false
	c.sessionKey = nil
	c.peers = make(map[string]*Peer)
	c.outbox = nil
	c.mu.Unlock()

	if !wasJoined {
		return nil
	}
	return c.emit(ctx, protocol.EventLeaveSession, protocol.LeavePayload{
		SessionID: c.cfg.SessionRef,
		UserID:    c.cfg.UserID,
	})
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
		}
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) emit(ctx context.Context, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.Close()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.logger.Debug("Read loop finished", slog.Any("error", err))
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
		return
	}

	switch env.Event {
	case protocol.EventSessionError:
		c.handleSessionError(env.Payload)
	case protocol.EventSessionMetadata:
		c.handleMetadata(ctx, env.Payload)
	case protocol.EventMessagesHistory:
		c.handleHistory(env.Payload)
	case protocol.EventPublicKeysUpdated:
		c.handleRoster(ctx, env.Payload)
	case protocol.EventUserJoined:
		c.handlePresence(env.Payload, true)
	case protocol.EventUserLeft:
		c.handlePresence(env.Payload, false)
	case protocol.EventNewMessage:
		var rec protocol.MessageRecord
		if err := json.Unmarshal(env.Payload, &rec); err == nil {
			c.deliver(&rec)
		}
	case protocol.EventSessionKeyAvailable:
		c.handleSessionKey(ctx, env.Payload)
	case protocol.EventUserTyping:
		c.handleTyping(env.Payload, true)
	case protocol.EventUserStoppedTyping:
		c.handleTyping(env.Payload, false)
	case protocol.EventMessageSent, protocol.EventDownloadNotification:
		// informational; nothing to update
	default:
		c.logger.Debug("Ignoring unknown event", slog.String("event", env.Event))
	}
}

func (c *Client) handleSessionError(payload json.RawMessage) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.logger.Warn("Session error", slog.String("code", p.Code), slog.String("message", p.Message))
	select {
	case c.joinCh <- &session.AdmissionError{Code: p.Code, Message: p.Message}:
	default:
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(p.Code, p.Message)
	}
}

func (c *Client) handleMetadata(ctx context.Context, payload json.RawMessage) {
	var p protocol.MetadataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	c.mu.Lock()
	c.mode = session.Mode(p.ChatMode)
	c.joined = true
	c.mu.Unlock()

	if p.EncryptedSessionKey != "" {
		c.acceptSessionKey(ctx, p.EncryptedSessionKey)
	}
	select {
	case c.joinCh <- nil:
	default:
	}
	c.logger.Info("Joined session", slog.String("mode", p.ChatMode))
}

func (c *Client) handleHistory(payload json.RawMessage) {
	var p protocol.HistoryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	for _, rec := range p.Messages {
		c.deliver(rec)
	}
}

func (c *Client) handleRoster(ctx context.Context, payload json.RawMessage) {
	var p protocol.RosterPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	c.mu.Lock()
	changed := false
	seen := make(map[string]bool, len(p.PublicKeys))
	for _, entry := range p.PublicKeys {
		seen[entry.UserID] = true
		existing, ok := c.peers[entry.UserID]
		if ok && existing.ExportedKey == entry.PublicKey && existing.DisplayName == entry.DisplayName {
			continue
		}
		pub, err := crypto.ImportPublicKey(entry.PublicKey)
		if err != nil {
			c.logger.Warn("Rejecting malformed peer key", slog.String("peer", entry.UserID), slog.Any("error", err))
			continue
		}
		c.peers[entry.UserID] = &Peer{UserID: entry.UserID, DisplayName: entry.DisplayName, PublicKey: pub, ExportedKey: entry.PublicKey}
		changed = true
	}
	for userID := range c.peers {
		if !seen[userID] {
			delete(c.peers, userID)
			changed = true
		}
	}
	mode := c.mode
	c.mu.Unlock()

	// The creator owns the group session key and re-wraps it for the
	// current roster whenever it changes. Last write wins on the relay.
	if changed && c.cfg.IsCreator && mode == session.ModeGroup {
		if err := c.distributeSessionKey(ctx); err != nil {
			c.logger.Error("Session key distribution failed", slog.Any("error", err))
		}
	}
}

// distributeSessionKey wraps the shared key for every member, itself
// included, and pushes the full distribution to the relay.
func (c *Client) distributeSessionKey(ctx context.Context) error {
	c.mu.Lock()
	if c.sessionKey == nil {
		key, err := crypto.GenerateSessionKey()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.sessionKey = key
	}
	key := c.sessionKey
	members := make([]*Peer, 0, len(c.peers)+1)
	for _, peer := range c.peers {
		members = append(members, peer)
	}
	c.mu.Unlock()

	wrapped := make(map[string]string, len(members)+1)
	own, err := crypto.WrapKeyForMember(key, c.keys.Public)
	if err != nil {
		return err
	}
	wrapped[c.cfg.UserID] = own
	for _, member := range members {
		if member.UserID == c.cfg.UserID {
			continue
		}
		blob, err := crypto.WrapKeyForMember(key, member.PublicKey)
		if err != nil {
			c.logger.Warn("Skipping member in key distribution", slog.String("peer", member.UserID), slog.Any("error", err))
			continue
		}
		wrapped[member.UserID] = blob
	}

	err = c.emit(ctx, protocol.EventSetSessionKey, protocol.SessionKeyPayload{
		SessionID:   c.cfg.SessionRef,
		WrappedKeys: wrapped,
	})
	if err != nil {
		return err
	}
	c.flushOutbox(ctx)
	return nil
}

func (c *Client) handleSessionKey(ctx context.Context, payload json.RawMessage) {
	var p protocol.SessionKeyAvailablePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.acceptSessionKey(ctx, p.EncryptedKey)
}

func (c *Client) acceptSessionKey(ctx context.Context, wrapped string) {
	key, err := crypto.UnwrapSessionKey(wrapped, c.keys.Private)
	if err != nil {
		c.logger.Error("Failed to unwrap session key", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()
	c.logger.Info("Session key available")
	c.flushOutbox(ctx)
}

func (c *Client) flushOutbox(ctx context.Context) {
	c.mu.Lock()
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, plaintext := range pending {
		if err := c.sendNow(ctx, plaintext); err != nil {
			c.logger.Error("Failed to flush queued message", slog.Any("error", err))
		}
	}
}

func (c *Client) handlePresence(payload json.RawMessage, joined bool) {
	var p protocol.PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.handlers.OnPresence != nil {
		c.handlers.OnPresence(p.UserID, p.DisplayName, joined)
	}
}

func (c *Client) handleTyping(payload json.RawMessage, typing bool) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if c.handlers.OnTyping != nil {
		c.handlers.OnTyping(p.UserID, p.DisplayName, typing)
	}
}

// deliver decrypts one routed or replayed record and hands it to the
// application.
func (c *Client) deliver(rec *protocol.MessageRecord) {
	msg := Message{
		ID:                rec.ID,
		From:              rec.From,
		SenderDisplayName: rec.SenderDisplayName,
		Timestamp:         rec.Timestamp,
		Type:              rec.Type,
	}

	c.mu.Lock()
	key := c.sessionKey
	own, isOwn := c.sentPlain[rec.ID]
	c.mu.Unlock()

	switch {
	case rec.From == c.cfg.UserID && isOwn:
		// Our own copy, still in the local send cache.
		msg.Text = own
	case rec.From == c.cfg.UserID && rec.OriginalContent != "":
		// Our own history row after a reconnect; the relay echoes the
		// plaintext mirror only to its author.
		msg.Text = rec.OriginalContent
	case rec.From == c.cfg.UserID:
		msg.Undecryptable = true
	case rec.To == "" || rec.To == session.BroadcastTarget:
		if key == nil {
			msg.Undecryptable = true
			break
		}
		plain, err := crypto.DecryptMessage(rec.Encrypted, key)
		if err != nil {
			c.logger.Warn("Undecryptable group message", slog.String("id", rec.ID), slog.Any("error", err))
			msg.Undecryptable = true
			break
		}
		msg.Text = string(plain)
	case rec.To == c.cfg.UserID:
		plain, err := crypto.DecryptFromSender(rec.Encrypted, c.keys.Private)
		if err != nil {
			c.logger.Warn("Undecryptable message", slog.String("id", rec.ID), slog.Any("error", err))
			msg.Undecryptable = true
			break
		}
		msg.Text = string(plain)
	default:
		// Someone else's private copy; we hold no key for it.
		msg.Undecryptable = true
	}

	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}
}
