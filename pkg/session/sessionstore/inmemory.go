// Package sessionstore provides the in-memory session.Manager used by the
// relay. Sessions live only in process memory; there is nothing to persist.
package sessionstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e2echat/relay/pkg/session"
)

type InMemoryManager struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		sessions: make(map[string]*session.Session),
		logger:   logger.With(slog.String("component", "session_store")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ session.Manager = (*InMemoryManager)(nil)

func newSession(id string, mode session.Mode) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:           id,
		Mode:         mode,
		Members:      make(map[string]*session.Member),
		PublicKeys:   make(map[string]*session.PublicKeyRecord),
		MessageIndex: make(map[string]*session.Message),
		WrappedKeys:  make(map[string]string),
		LastActivity: now,
		CreatedAt:    now,
	}
}

func (m *InMemoryManager) Reserve(sessionID, authSecret string, mode session.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return session.ErrSessionExists
	}
	if !mode.Valid() {
		mode = session.ModeGroup
	}
	sess := newSession(sessionID, mode)
	sess.AuthSecret = authSecret
	sess.Reserved = true
	m.sessions[sessionID] = sess

	m.logger.Debug("Session reserved", slog.String("sessionID", sessionID), slog.String("mode", string(mode)))
	return nil
}

func (m *InMemoryManager) Join(req session.JoinRequest) (*session.JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	providedKey := req.AuthKey
	var providedPassword string
	switch req.Ref.Credential.Kind {
	case session.CredentialAuthKey:
		if providedKey == "" {
			providedKey = req.Ref.Credential.Secret
		}
	case session.CredentialPassword:
		providedPassword = req.Ref.Credential.Secret
	}

	sess, exists := m.sessions[req.Ref.ID]
	if !exists {
		if !req.IsCreator {
			return nil, session.ErrSessionNotFound
		}
		// A creator joining without a prior reservation activates a fresh
		// group session directly.
		sess = newSession(req.Ref.ID, session.ModeGroup)
		m.sessions[req.Ref.ID] = sess
	}
	sess.LastActivity = time.Now()

	if req.IsCreator {
		// Idempotent: the first creator join binds the secret, a later
		// creator join must present the same one.
		if sess.AuthSecret != "" && sess.AuthSecret != providedKey {
			return nil, session.ErrInvalidKey
		}
		if sess.AuthSecret == "" {
			sess.AuthSecret = providedKey
		}
		sess.Reserved = false
	} else if sess.Reserved {
		return nil, session.ErrSessionNotActive
	} else if sess.AuthSecret != "" {
		if sess.Mode == session.ModePassword && providedPassword != "" {
			if session.PasswordHashOf(sess.AuthSecret) != providedPassword {
				return nil, session.ErrInvalidPassword
			}
		} else if sess.AuthSecret != providedKey {
			return nil, session.ErrInvalidKey
		}
	}

	// Capacity check before admission: rejoins are always allowed, a new
	// userId must fit under the cap.
	existing := sess.Members[req.UserID]
	if sess.Mode.Capped() && existing == nil && len(sess.Members) >= session.PrivateMemberCap {
		return nil, session.ErrSessionFull
	}

	firstJoin := existing == nil
	if existing != nil {
		existing.ConnID = req.ConnID
		existing.Transport = req.Conn
		if req.DisplayName != "" {
			existing.DisplayName = req.DisplayName
		}
	} else {
		sess.Members[req.UserID] = &session.Member{
			UserID:      req.UserID,
			DisplayName: req.DisplayName,
			ConnID:      req.ConnID,
			Transport:   req.Conn,
			JoinedAt:    time.Now(),
		}
	}

	if req.PublicKey != "" {
		sess.PublicKeys[req.UserID] = &session.PublicKeyRecord{
			UserID:      req.UserID,
			PublicKey:   req.PublicKey,
			DisplayName: req.DisplayName,
			JoinedAt:    time.Now().UnixMilli(),
		}
	}

	m.logger.Debug("User joined session",
		slog.String("sessionID", sess.ID),
		slog.String("userID", req.UserID),
		slog.Bool("firstJoin", firstJoin),
		slog.Int("members", len(sess.Members)),
	)

	return &session.JoinResult{
		SessionID:         sess.ID,
		Mode:              sess.Mode,
		FirstJoin:         firstJoin,
		History:           historyFor(sess, req.UserID),
		Roster:            rosterOf(sess, ""),
		WrappedSessionKey: sess.WrappedKeys[req.UserID],
	}, nil
}

// historyFor filters the replay log so private ciphertext never leaks to an
// unintended recipient: broadcast rows, rows addressed to the user, and rows
// the user authored.
func historyFor(sess *session.Session, userID string) []*session.Message {
	relevant := make([]*session.Message, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		switch {
		case msg.To == "" || msg.To == session.BroadcastTarget:
			relevant = append(relevant, msg)
		case msg.To == userID || msg.From == userID:
			relevant = append(relevant, msg)
		}
	}
	return relevant
}

func rosterOf(sess *session.Session, excludeUserID string) []*session.PublicKeyRecord {
	roster := make([]*session.PublicKeyRecord, 0, len(sess.PublicKeys))
	for _, rec := range sess.PublicKeys {
		if excludeUserID != "" && rec.UserID == excludeUserID {
			continue
		}
		roster = append(roster, rec)
	}
	return roster
}

func (m *InMemoryManager) Leave(sessionID, userID string) (*session.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	member, ok := sess.Members[userID]
	if !ok {
		return nil, false
	}
	delete(sess.Members, userID)
	delete(sess.PublicKeys, userID)
	delete(sess.WrappedKeys, userID)
	sess.LastActivity = time.Now()

	m.logger.Debug("User left session", slog.String("sessionID", sessionID), slog.String("userID", userID))
	return member, true
}

func (m *InMemoryManager) DropConnection(sessionID, userID string, connID uuid.UUID) (*session.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	member, ok := sess.Members[userID]
	if !ok || member.ConnID != connID {
		// A newer connection already replaced this handle; the membership
		// belongs to it now.
		return nil, false
	}
	delete(sess.Members, userID)
	delete(sess.PublicKeys, userID)
	delete(sess.WrappedKeys, userID)
	sess.LastActivity = time.Now()

	m.logger.Debug("Dropped disconnected member", slog.String("sessionID", sessionID), slog.String("userID", userID))
	return member, true
}

func (m *InMemoryManager) Member(sessionID, userID string) (*session.Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	member, ok := sess.Members[userID]
	return member, ok
}

func (m *InMemoryManager) Members(sessionID string) []*session.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	members := make([]*session.Member, 0, len(sess.Members))
	for _, member := range sess.Members {
		members = append(members, member)
	}
	return members
}

func (m *InMemoryManager) Mode(sessionID string) (session.Mode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.Mode, true
}

func (m *InMemoryManager) SavePublicKey(sessionID string, rec *session.PublicKeyRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		m.logger.Warn("Public key for unknown session dropped", slog.String("sessionID", sessionID))
		return false
	}
	sess.PublicKeys[rec.UserID] = rec
	sess.LastActivity = time.Now()
	return true
}

func (m *InMemoryManager) PublicKeys(sessionID, excludeUserID string) []*session.PublicKeyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return rosterOf(sess, excludeUserID)
}

func (m *InMemoryManager) SetSessionKey(sessionID string, wrapped map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if sess.Mode != session.ModeGroup {
		m.logger.Warn("Attempted to set session key for non-group session", slog.String("sessionID", sessionID))
		return false
	}
	// Last write wins: a distribution raced by a membership change is
	// simply replaced by the fresher one.
	sess.WrappedKeys = wrapped
	sess.LastActivity = time.Now()
	return true
}

func (m *InMemoryManager) StoreMessage(sessionID string, msg *session.Message) (*session.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	sess.LastActivity = time.Now()

	// Stamp this copy whether or not it ends up stored; the caller still
	// routes it to its own recipient.
	msg.Timestamp = time.Now().UnixMilli()
	if member, ok := sess.Members[msg.From]; ok {
		msg.SenderDisplayName = member.DisplayName
	}

	if existing, seen := sess.MessageIndex[msg.ID]; seen {
		// Per-recipient fan-out: later encrypted copies of an already
		// stored id are routed but never stored or re-confirmed.
		return existing, false
	}
	sess.Messages = append(sess.Messages, msg)
	sess.MessageIndex[msg.ID] = msg
	return msg, true
}

func (m *InMemoryManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *InMemoryManager) AllStats() []session.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]session.Stats, 0, len(m.sessions))
	for _, sess := range m.sessions {
		stats = append(stats, session.Stats{
			SessionID:  sess.ID,
			Mode:       sess.Mode,
			Members:    len(sess.Members),
			Messages:   len(sess.Messages),
			PublicKeys: len(sess.PublicKeys),
		})
	}
	return stats
}

func (m *InMemoryManager) Sweep(now time.Time, emptyGrace, orphanAfter time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, sess := range m.sessions {
		idle := now.Sub(sess.LastActivity)
		empty := len(sess.Members) == 0
		if (empty && idle > emptyGrace) || idle > orphanAfter {
			delete(m.sessions, id)
			evicted++
			m.logger.Debug("Evicted idle session",
				slog.String("sessionID", id),
				slog.Bool("empty", empty),
				slog.Duration("idle", idle),
			)
		}
	}
	return evicted
}
