// Package crypto implements the three cipher layers of the chat protocol:
// participant identity keys (RSA-OAEP), the per-recipient hybrid message
// cipher used by private and password sessions, and the shared session
// cipher used by group sessions.
//
// Key pairs are never persisted. A participant's private key lives exactly
// as long as the process that generated it, which is what makes old
// ciphertext unreadable after a restart.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

const rsaKeyBits = 2048

// KeyPair is a participant's transient identity.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair produces a fresh 2048-bit RSA-OAEP (SHA-256) key pair.
// The caller owns its lifetime; nothing is written anywhere.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate identity key pair: %w", err)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// ExportPublicKey serializes a public key to base64-encoded SPKI DER,
// the transport-safe form carried through the relay.
func ExportPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", &KeyFormatError{Reason: "marshal public key", Err: err}
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublicKey is the inverse of ExportPublicKey.
func ImportPublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &KeyFormatError{Reason: "public key is not base64", Err: err}
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, &KeyFormatError{Reason: "public key is not SPKI", Err: err}
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, &KeyFormatError{Reason: fmt.Sprintf("unsupported key type %T", parsed)}
	}
	return pub, nil
}

// maxDirectPayload is the largest message a single RSA-OAEP-SHA256 block
// can carry for the given key.
func maxDirectPayload(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Encrypt performs a direct RSA-OAEP encryption of a single small message
// and returns base64 ciphertext. It is bounded by the key's block size and
// is not used for arbitrary-length chat content; see EncryptForRecipient.
func Encrypt(message []byte, pub *rsa.PublicKey) (string, error) {
	if limit := maxDirectPayload(pub); len(message) > limit {
		return "", fmt.Errorf("%w: %d bytes over the %d byte RSA-OAEP limit", ErrPayloadTooLarge, len(message), limit)
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, message, nil)
	if err != nil {
		return "", fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt is the inverse of Encrypt.
func Decrypt(encrypted string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", ErrDecryptionFailed)
	}
	msg, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return msg, nil
}
