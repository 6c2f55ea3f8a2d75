package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge rejects a payload before any encryption or network
	// activity happens. Callers must surface it to the user instead of
	// truncating.
	ErrPayloadTooLarge = errors.New("crypto: payload exceeds maximum size")

	// ErrDecryptionFailed covers key mismatch, tampered ciphertext and AEAD
	// tag failures alike. Receiving it for a message encrypted under a key
	// pair from a previous page load is expected, not fatal.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// KeyFormatError reports malformed key material.
type KeyFormatError struct {
	Reason string
	Err    error
}

func (e *KeyFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto: bad key material: %s: %v", e.Reason, e.Err)
	}
	return "crypto: bad key material: " + e.Reason
}

func (e *KeyFormatError) Unwrap() error { return e.Err }
