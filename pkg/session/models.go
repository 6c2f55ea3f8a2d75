// Package session defines the relay-side session model and the Manager
// interface that owns all session state. Everything here is in-memory and
// ephemeral; the relay never decrypts or persists message payloads.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects a session's security model.
type Mode string

const (
	// ModeGroup uses one shared AEAD key per session, distributed by the
	// creator; traffic is broadcast.
	ModeGroup Mode = "group"
	// ModePrivate uses per-recipient hybrid encryption and caps the
	// session at two members.
	ModePrivate Mode = "private"
	// ModePassword is ModePrivate gated by a shared password instead of an
	// opaque link secret.
	ModePassword Mode = "password"
)

func (m Mode) Valid() bool {
	return m == ModeGroup || m == ModePrivate || m == ModePassword
}

// Capped reports whether the mode enforces the two-member limit.
func (m Mode) Capped() bool {
	return m == ModePrivate || m == ModePassword
}

// PrivateMemberCap is the member limit for private and password sessions.
const PrivateMemberCap = 2

// BroadcastTarget is the sentinel "to" value for group broadcast.
const BroadcastTarget = "all"

// Conn is the subset of the transport connection the registry and its
// callers need for delivery.
type Conn interface {
	Send(message []byte)
}

// Member ties a userId to its current transport connection. Reconnection
// replaces the connection handle in place; userIds stay unique per session.
type Member struct {
	UserID      string
	DisplayName string
	ConnID      uuid.UUID
	Transport   Conn
	JoinedAt    time.Time
}

// PublicKeyRecord is one row of a session's key roster.
type PublicKeyRecord struct {
	UserID      string `json:"userId"`
	PublicKey   string `json:"publicKey"`
	DisplayName string `json:"displayName,omitempty"`
	JoinedAt    int64  `json:"joinedAt"`
}

// Message is one stored and routed message record. The relay treats
// Encrypted as opaque.
//
// OriginalContent is the sender's own plaintext mirror: it exists solely so
// the sender's UI can redisplay its message without decrypting, and it is
// only ever echoed back to the sender (message-sent, own history rows). It
// is not confidential and must never widen beyond that local-echo path.
type Message struct {
	ID                string `json:"id"`
	From              string `json:"from"`
	To                string `json:"to,omitempty"`
	Encrypted         string `json:"encrypted"`
	Timestamp         int64  `json:"timestamp"`
	Type              string `json:"type,omitempty"`
	OriginalContent   string `json:"originalContent,omitempty"`
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
}

// Session is the relay-side aggregate for one chat room.
type Session struct {
	ID         string
	Mode       Mode
	AuthSecret string
	// Reserved is true between reservation and the creator's join; while
	// set, no non-creator may be admitted.
	Reserved   bool
	Members    map[string]*Member
	PublicKeys map[string]*PublicKeyRecord
	// Messages is append-only and used only for replay to new joiners.
	Messages     []*Message
	MessageIndex map[string]*Message
	// WrappedKeys is the group-mode shared-key distribution: userId to the
	// session key wrapped with that member's public key.
	WrappedKeys  map[string]string
	LastActivity time.Time
	CreatedAt    time.Time
}
