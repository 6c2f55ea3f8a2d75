package crypto_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/e2echat/relay/pkg/crypto"
)

func TestSessionKeyRoundTrip(t *testing.T) {
	key, err := crypto.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected a 256-bit key, got %d bytes", len(key))
	}

	plaintext := []byte("broadcast to the whole room")
	blob, err := crypto.EncryptMessage(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}
	got, err := crypto.DecryptMessage(blob, key)
	if err != nil {
		t.Fatalf("DecryptMessage failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptMessageWithDifferentKeyFails(t *testing.T) {
	key1, _ := crypto.GenerateSessionKey()
	key2, _ := crypto.GenerateSessionKey()

	blob, err := crypto.EncryptMessage([]byte("secret"), key1)
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}
	if _, err := crypto.DecryptMessage(blob, key2); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed with a fresh key, got %v", err)
	}
}

func TestDecryptMessageTamperedFails(t *testing.T) {
	key, _ := crypto.GenerateSessionKey()
	blob, err := crypto.EncryptMessage([]byte("integrity matters"), key)
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[0] ^= 0x01 // first nonce byte
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := crypto.DecryptMessage(tampered, key); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for tampered nonce, got %v", err)
	}
}

func TestDecryptMessageTruncatedFails(t *testing.T) {
	key, _ := crypto.GenerateSessionKey()
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))

	if _, err := crypto.DecryptMessage(short, key); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for truncated blob, got %v", err)
	}
}

func TestWrapUnwrapSessionKey(t *testing.T) {
	creator := mustKeyPair(t)
	member := mustKeyPair(t)

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey failed: %v", err)
	}

	wrapped, err := crypto.WrapKeyForMember(key, member.Public)
	if err != nil {
		t.Fatalf("WrapKeyForMember failed: %v", err)
	}
	got, err := crypto.UnwrapSessionKey(wrapped, member.Private)
	if err != nil {
		t.Fatalf("UnwrapSessionKey failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("unwrapped key differs from the original")
	}

	// A non-addressee cannot unwrap the same distribution entry.
	if _, err := crypto.UnwrapSessionKey(wrapped, creator.Private); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for wrong member key, got %v", err)
	}
}

func TestWrapRejectsBadKeySize(t *testing.T) {
	member := mustKeyPair(t)
	var kfe *crypto.KeyFormatError
	if _, err := crypto.WrapKeyForMember([]byte("short"), member.Public); !errors.As(err, &kfe) {
		t.Fatalf("expected KeyFormatError for a short session key, got %v", err)
	}
}
