package session

import "strings"

type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	// CredentialAuthKey is the opaque link secret (for a password-room
	// creator it is the combined "randomPart:passwordHashB64" secret).
	CredentialAuthKey
	// CredentialPassword is a password-room joiner's presented password
	// hash.
	CredentialPassword
)

// Credential is the parsed form of whatever secret a client presented.
type Credential struct {
	Kind   CredentialKind
	Secret string
}

// SessionRef is a session identifier plus the credential embedded in it.
//
// Clients carry the pair as a single `:`-delimited string:
//
//	sessionId
//	sessionId:authKey                   regular group/private join
//	sessionId:authKey:passwordHashB64   password-room creator's combined secret
//	sessionId:password:passwordHashB64  password-room joiner's credential
//
// ParseSessionRef splits that wire form exactly once, at the boundary;
// nothing below the boundary string-splits session identifiers.
type SessionRef struct {
	ID         string
	Credential Credential
}

func ParseSessionRef(raw string) SessionRef {
	parts := strings.Split(raw, ":")
	ref := SessionRef{ID: parts[0]}
	switch {
	case len(parts) < 2 || parts[1] == "":
	case parts[1] == "password" && len(parts) >= 3 && parts[2] != "":
		ref.Credential = Credential{Kind: CredentialPassword, Secret: parts[2]}
	case len(parts) >= 3 && parts[2] != "":
		ref.Credential = Credential{Kind: CredentialAuthKey, Secret: parts[1] + ":" + parts[2]}
	default:
		ref.Credential = Credential{Kind: CredentialAuthKey, Secret: parts[1]}
	}
	return ref
}

// PasswordHashOf extracts the password-derived component of a stored
// combined secret ("randomPart:passwordHashB64"). Empty when the secret
// carries no password component.
func PasswordHashOf(authSecret string) string {
	if i := strings.IndexByte(authSecret, ':'); i >= 0 {
		return authSecret[i+1:]
	}
	return ""
}
