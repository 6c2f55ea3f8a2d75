package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// GenerateSessionKey returns a fresh 256-bit group session key. Only the
// session creator mints one; everyone else receives it wrapped.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, symmetricKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// WrapKeyForMember encrypts the raw session key with one member's public key
// for distribution through the relay.
func WrapKeyForMember(sessionKey []byte, memberPub *rsa.PublicKey) (string, error) {
	if len(sessionKey) != symmetricKeyBytes {
		return "", &KeyFormatError{Reason: fmt.Sprintf("session key is %d bytes, want %d", len(sessionKey), symmetricKeyBytes)}
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, memberPub, sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("wrap session key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapSessionKey recovers the session key a member received from the
// creator using their own private key.
func UnwrapSessionKey(wrapped string, priv *rsa.PrivateKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not base64", ErrDecryptionFailed)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap session key: %v", ErrDecryptionFailed, err)
	}
	if len(key) != symmetricKeyBytes {
		return nil, &KeyFormatError{Reason: fmt.Sprintf("unwrapped key is %d bytes, want %d", len(key), symmetricKeyBytes)}
	}
	return key, nil
}

// EncryptMessage encrypts group broadcast traffic with the shared session
// key. The wire format is base64(nonce || ciphertext) with no JSON envelope,
// since there is no per-message key to carry.
func EncryptMessage(plaintext, sessionKey []byte) (string, error) {
	if len(plaintext) > MaxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(plaintext), MaxPayloadSize)
	}
	aead, err := newGCM(sessionKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	// Seal appends ciphertext+tag to the nonce: nonce || ciphertext.
	combined := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// DecryptMessage is the inverse of EncryptMessage.
func DecryptMessage(blob string, sessionKey []byte) ([]byte, error) {
	combined, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: message is not base64", ErrDecryptionFailed)
	}
	if len(combined) < nonceBytes {
		return nil, fmt.Errorf("%w: message shorter than nonce", ErrDecryptionFailed)
	}
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := aead.Open(nil, combined[:nonceBytes], combined[nonceBytes:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
