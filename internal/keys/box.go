package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of curve25519 public and private keys.
	KeySize = 32
	// NonceSize is the length of the nonce prefixed to every envelope.
	NonceSize = 24
)

// KeyPair is a curve25519 box key pair.
type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// GenerateKeyPair creates a fresh box key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyOf derives the public half of a private key.
func PublicKeyOf(private *[KeySize]byte) (*[KeySize]byte, error) {
	raw, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return keyFromBytes(raw)
}

// Complete reports whether both halves are present and the public half derives from the
// private half.
func (kp *KeyPair) Complete() bool {
	if kp == nil || kp.Public == nil || kp.Private == nil {
		return false
	}
	derived, err := PublicKeyOf(kp.Private)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived[:], kp.Public[:]) == 1
}

// EncodeKey returns the standard base64 form of a key.
func EncodeKey(key *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64 key and checks its length.
func DecodeKey(encoded string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	return keyFromBytes(raw)
}

func keyFromBytes(raw []byte) (*[KeySize]byte, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(raw), KeySize)
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// SealEnvelope encrypts plaintext for recipientPublic and returns base64(nonce || ciphertext).
func SealEnvelope(plaintext []byte, recipientPublic, senderPrivate *[KeySize]byte) (string, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := box.Seal(nonce[:], plaintext, &nonce, recipientPublic, senderPrivate)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenEnvelope reverses SealEnvelope. Any malformed or unauthenticated input yields
// ErrDecryptionFailed.
func OpenEnvelope(envelope string, senderPublic, recipientPrivate *[KeySize]byte) ([]byte, error) {
	var shared [KeySize]byte
	box.Precompute(&shared, senderPublic, recipientPrivate)
	return openWithShared(envelope, &shared)
}

func openWithShared(envelope string, shared *[KeySize]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not base64", ErrDecryptionFailed)
	}
	if len(raw) < NonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryptionFailed)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])
	plaintext, ok := box.OpenAfterPrecomputation(nil, raw[NonceSize:], &nonce, shared)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}
