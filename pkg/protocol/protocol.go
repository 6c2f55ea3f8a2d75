// Package protocol defines the wire format shared by the relay and its
// clients. Every frame is a JSON envelope carrying an event name and an
// event-specific payload.
package protocol

import "encoding/json"

// Client to relay events.
const (
	EventJoinSession    = "join-session"
	EventSavePublicKey  = "save-public-key"
	EventGetPublicKeys  = "get-public-keys"
	EventSetSessionKey  = "set-session-key"
	EventSendMessage    = "send-message"
	EventLeaveSession   = "leave-session"
	EventTyping         = "typing"
	EventStoppedTyping  = "stopped-typing"
	EventFileDownloaded = "file-downloaded"
)

// Relay to client events.
const (
	EventSessionError         = "session-error"
	EventMessagesHistory      = "messages-history"
	EventSessionMetadata      = "session-metadata"
	EventPublicKeysUpdated    = "public-keys-updated"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"
	EventNewMessage           = "new-message"
	EventMessageSent          = "message-sent"
	EventSessionKeyAvailable  = "session-key-available"
	EventUserTyping           = "user-typing"
	EventUserStoppedTyping    = "user-stopped-typing"
	EventDownloadNotification = "download-notification"
)

// Envelope is the outer frame of every message in either direction.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a ready-to-send frame for an event and its payload.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// JoinPayload opens the admission handshake. SessionID carries the full
// credential-bearing reference string; AuthKey is an alternative slot for
// the same secret that some clients use instead.
type JoinPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	IsCreator   bool   `json:"isCreator,omitempty"`
	AuthKey     string `json:"authKey,omitempty"`
}

// GetPublicKeysPayload requests the current roster outside the join flow.
// The requester names itself so the reply omits its own key.
type GetPublicKeysPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type PublicKeyPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	PublicKey   string `json:"publicKey"`
	DisplayName string `json:"displayName,omitempty"`
}

// SessionKeyPayload distributes the group session key, wrapped once per
// member under that member's public key.
type SessionKeyPayload struct {
	SessionID   string            `json:"sessionId"`
	WrappedKeys map[string]string `json:"encryptedKeys"`
}

// SendPayload carries one encrypted copy of a message. In private sessions
// the sender emits one SendPayload per recipient, all sharing the same
// MessageID. OriginalContent is the sender's plaintext mirror; the relay
// echoes it only back to the sender, never to other members.
type SendPayload struct {
	SessionID       string `json:"sessionId"`
	MessageID       string `json:"clientMessageId,omitempty"`
	From            string `json:"from"`
	To              string `json:"to,omitempty"`
	Encrypted       string `json:"encrypted"`
	OriginalContent string `json:"originalContent,omitempty"`
	Type            string `json:"type,omitempty"`
}

type LeavePayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type TypingPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// FileDownloadedPayload is a downloader's courtesy note; the relay forwards
// it to the file's original sender only.
type FileDownloadedPayload struct {
	SessionID    string `json:"sessionId"`
	DownloadedBy string `json:"downloadedBy"`
	SenderID     string `json:"senderId"`
	FileName     string `json:"fileName,omitempty"`
}

// ErrorPayload reports an admission or routing failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MetadataPayload tells a freshly admitted member what kind of session it
// joined and, for group sessions, hands over its wrapped session key when
// one has already been distributed.
type MetadataPayload struct {
	SessionID           string `json:"sessionId"`
	ChatMode            string `json:"chatMode"`
	EncryptedSessionKey string `json:"encryptedSessionKey,omitempty"`
}

// PresencePayload announces a user-joined or user-left event.
type PresencePayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// RosterPayload refreshes every member's view of who holds which key.
type RosterPayload struct {
	SessionID  string        `json:"sessionId"`
	PublicKeys []RosterEntry `json:"publicKeys"`
}

type RosterEntry struct {
	UserID      string `json:"userId"`
	PublicKey   string `json:"publicKey"`
	DisplayName string `json:"displayName,omitempty"`
	JoinedAt    int64  `json:"joinedAt,omitempty"`
}

// HistoryPayload replays the stored messages relevant to the joining user.
type HistoryPayload struct {
	SessionID string           `json:"sessionId"`
	Messages  []*MessageRecord `json:"messages"`
}

// MessageRecord is a routed or replayed message as clients see it.
// OriginalContent is populated only on the author's own history rows.
type MessageRecord struct {
	ID                string `json:"id"`
	From              string `json:"from"`
	To                string `json:"to,omitempty"`
	Encrypted         string `json:"encrypted"`
	Timestamp         int64  `json:"timestamp"`
	Type              string `json:"type,omitempty"`
	OriginalContent   string `json:"originalContent,omitempty"`
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
}

// ConfirmationPayload acknowledges the first stored copy of a message id,
// echoing the sender's plaintext mirror back for local redisplay.
type ConfirmationPayload struct {
	SessionID       string `json:"sessionId"`
	MessageID       string `json:"messageId"`
	Timestamp       int64  `json:"timestamp"`
	OriginalContent string `json:"originalContent,omitempty"`
}

type SessionKeyAvailablePayload struct {
	SessionID    string `json:"sessionId"`
	EncryptedKey string `json:"encryptedKey"`
}

type DownloadNotificationPayload struct {
	DownloadedBy string `json:"downloadedBy"`
	FileName     string `json:"fileName,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}
