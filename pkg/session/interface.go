package session

import (
	"time"

	"github.com/google/uuid"
)

// JoinRequest carries one join-session attempt, parsed at the boundary.
type JoinRequest struct {
	Ref         SessionRef
	UserID      string
	DisplayName string
	PublicKey   string
	IsCreator   bool
	// AuthKey is the explicitly supplied credential; used when Ref carries
	// none (clients may send either form).
	AuthKey string
	ConnID  uuid.UUID
	Conn    Conn
}

// JoinResult is everything the relay pushes to a freshly admitted member.
type JoinResult struct {
	SessionID string
	Mode      Mode
	// FirstJoin is false on reconnect (the userId was already a member).
	FirstJoin bool
	// History is filtered for this user: broadcast messages, messages
	// addressed to them, and messages they authored. Nothing else.
	History []*Message
	Roster  []*PublicKeyRecord
	// WrappedSessionKey is this member's entry of the group-key
	// distribution, empty if none has been pushed yet.
	WrappedSessionKey string
}

// Stats is the operational per-session snapshot served by /sessions.
type Stats struct {
	SessionID  string `json:"sessionId"`
	Mode       Mode   `json:"mode"`
	Members    int    `json:"members"`
	Messages   int    `json:"messages"`
	PublicKeys int    `json:"publicKeys"`
}

// Manager is the authoritative session registry. Implementations must make
// every admission check plus its mutation atomic within one call, so a
// session only ever has one writer at a time.
type Manager interface {
	// Reserve creates a session in the reserved state. ErrSessionExists if
	// the id is taken. Invalid modes fall back to ModeGroup.
	Reserve(sessionID, authSecret string, mode Mode) error

	// Join runs the admission handshake and registers or refreshes the
	// membership. Failures are *AdmissionError values.
	Join(req JoinRequest) (*JoinResult, error)

	// Leave removes a member and their public key unconditionally.
	Leave(sessionID, userID string) (*Member, bool)

	// DropConnection removes a member only if connID is still their current
	// connection handle, so a stale socket closing cannot un-join a member
	// who already reconnected.
	DropConnection(sessionID, userID string, connID uuid.UUID) (*Member, bool)

	Member(sessionID, userID string) (*Member, bool)
	Members(sessionID string) []*Member
	Mode(sessionID string) (Mode, bool)

	// SavePublicKey stores or replaces a member's roster row.
	SavePublicKey(sessionID string, rec *PublicKeyRecord) bool
	// PublicKeys returns the roster, optionally excluding one user.
	PublicKeys(sessionID, excludeUserID string) []*PublicKeyRecord

	// SetSessionKey replaces the group-key distribution. Rejected (false)
	// for non-group sessions.
	SetSessionKey(sessionID string, wrapped map[string]string) bool

	// StoreMessage stamps the relay timestamp and sender display name onto
	// msg, then stores it unless its id was already seen. It returns the
	// stored record and whether this was the first copy. The caller routes
	// msg (this copy's ciphertext) regardless of dedup.
	StoreMessage(sessionID string, msg *Message) (*Message, bool)

	Count() int
	AllStats() []Stats

	// Sweep evicts sessions that are empty and idle past emptyGrace, and
	// any session idle past orphanAfter regardless of membership. Returns
	// the number evicted.
	Sweep(now time.Time, emptyGrace, orphanAfter time.Duration) int
}
