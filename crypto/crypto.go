// Package crypto seals secret payloads at rest for the Postgres secret backend.
// It implements AES-256-GCM with the secret name bound as additional data, so a
// ciphertext copied onto another secret's row fails authentication. Sealed values
// carry the id of the key that produced them, which allows key rotation: the
// primary key seals, every configured key can open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const envelopePrefix = "v1"

// ErrUnknownKey is returned when a sealed value names a key id that is not in the keyring.
var ErrUnknownKey = errors.New("sealed with unknown key id")

// Sealer encrypts and authenticates secret payloads.
type Sealer interface {
	// Seal returns an envelope "v1:<keyID>:<base64(nonce||ciphertext||tag)>".
	Seal(name string, plaintext []byte) (string, error)
	// Open verifies and decrypts an envelope produced by Seal for the same name.
	Open(name, envelope string) ([]byte, error)
}

// Keyring implements Sealer using AES-256-GCM. The first key is primary.
type Keyring struct {
	primary string
	aeads   map[string]cipher.AEAD
}

// NewKeyring builds a keyring from base64-encoded 32-byte keys separated by commas.
// The first key seals; all keys open. Generate keys with:
//
//	openssl rand -base64 32
func NewKeyring(base64Keys string) (*Keyring, error) {
	if strings.TrimSpace(base64Keys) == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	kr := &Keyring{aeads: map[string]cipher.AEAD{}}
	for i, raw := range strings.Split(base64Keys, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key #%d: base64 decode failed: %w", i+1, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid encryption key #%d: must be 32 bytes (256 bits), got %d bytes", i+1, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		id := KeyID(key)
		if kr.primary == "" {
			kr.primary = id
		}
		kr.aeads[id] = gcm
	}
	if kr.primary == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	return kr, nil
}

// KeyID derives a short, stable identifier from key material (first 4 bytes of SHA-256).
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// PrimaryKeyID reports the id used for new envelopes.
func (k *Keyring) PrimaryKeyID() string { return k.primary }

// Seal encrypts plaintext under the primary key.
func (k *Keyring) Seal(name string, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("plaintext is empty")
	}
	gcm := k.aeads[k.primary]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(name))
	return envelopePrefix + ":" + k.primary + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope. Details of authentication failures are not exposed.
func (k *Keyring) Open(name, envelope string) ([]byte, error) {
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 || parts[0] != envelopePrefix {
		return nil, fmt.Errorf("malformed envelope")
	}
	gcm, ok := k.aeads[parts[1]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, parts[1])
	}
	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := gcm.NonceSize()
	if len(raw) < ns+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns+gcm.Overhead(), len(raw))
	}
	plaintext, err := gcm.Open(nil, raw[:ns], raw[ns:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// NeedsReseal reports whether an envelope was produced by a non-primary key.
func (k *Keyring) NeedsReseal(envelope string) bool {
	parts := strings.SplitN(envelope, ":", 3)
	return len(parts) == 3 && parts[1] != k.primary
}
