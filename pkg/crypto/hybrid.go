package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// MaxPayloadSize caps a single message payload after client-side encoding
// (text or base64 file blob): 20 MiB.
const MaxPayloadSize = 20 << 20

const (
	symmetricKeyBytes = 32
	nonceBytes        = 12
)

// hybridEnvelope is the self-describing wire form of a hybrid-encrypted
// message: an AES-256-GCM ciphertext plus its one-time key wrapped with the
// recipient's RSA public key. The whole JSON document travels base64-encoded
// as one string.
type hybridEnvelope struct {
	WrappedKey string `json:"wrappedKey"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Hybrid     bool   `json:"hybrid"`
}

// EncryptForRecipient encrypts an arbitrary-length payload for exactly one
// recipient. A fresh symmetric key is generated per message, so sending to N
// peers produces N independent envelopes.
func EncryptForRecipient(payload []byte, pub *rsa.PublicKey) (string, error) {
	if len(payload) > MaxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	key := make([]byte, symmetricKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate message key: %w", err)
	}
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, payload, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrap message key: %w", err)
	}

	blob, err := json.Marshal(hybridEnvelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Hybrid:     true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptFromSender parses a hybrid envelope and recovers the payload with
// the recipient's private key. Blobs that predate the hybrid envelope are
// direct RSA ciphertext; that legacy path is kept for wire compatibility.
// All failure modes surface as ErrDecryptionFailed.
func DecryptFromSender(blob string, priv *rsa.PrivateKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not base64", ErrDecryptionFailed)
	}

	var env hybridEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || !env.Hybrid {
		return Decrypt(blob, priv)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not base64", ErrDecryptionFailed)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap message key: %v", ErrDecryptionFailed, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceBytes {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecryptionFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", ErrDecryptionFailed)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return payload, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
