// Package sealed encrypts message content at rest.
//
// A per-room data key is derived from a single master key with HKDF-SHA256,
// using the room name as the info string; content is sealed with
// ChaCha20-Poly1305. Sealed strings carry a "v1:" version prefix followed by
// base64(nonce || ciphertext), so the scheme can rotate without a schema
// change.
//
// Sealing covers storage only. Events on the wire always carry plaintext;
// transport security is the websocket layer's concern.
package sealed

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	prefixV1 = "v1:"

	// MinMasterKeyBytes is the minimum accepted master key length.
	MinMasterKeyBytes = 32
)

var (
	// ErrKeyTooShort is returned for master keys below MinMasterKeyBytes.
	ErrKeyTooShort = errors.New("sealed: master key too short")

	// ErrMalformed is returned for sealed strings that do not parse.
	ErrMalformed = errors.New("sealed: malformed sealed value")

	// ErrOpenFailed is returned when authentication of a sealed value fails,
	// i.e. wrong key, wrong room, or tampered ciphertext.
	ErrOpenFailed = errors.New("sealed: open failed")
)

// Box seals and opens content with per-room derived keys. Safe for
// concurrent use; the master key is never used directly for encryption.
type Box struct {
	master []byte
}

// NewBox constructs a Box over a master key.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) < MinMasterKeyBytes {
		return nil, ErrKeyTooShort
	}
	b := &Box{master: make([]byte, len(masterKey))}
	copy(b.master, masterKey)
	return b, nil
}

// Seal encrypts plaintext under the room's derived key.
func (b *Box) Seal(room, plaintext string) (string, error) {
	aead, err := b.roomAEAD(room)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sealed: nonce: %w", err)
	}

	ct := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefixV1 + base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a sealed value produced by Seal for the same room.
func (b *Box) Open(room, sealedValue string) (string, error) {
	raw, ok := strings.CutPrefix(sealedValue, prefixV1)
	if !ok {
		return "", ErrMalformed
	}

	ct, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", ErrMalformed
	}

	aead, err := b.roomAEAD(room)
	if err != nil {
		return "", err
	}
	if len(ct) < aead.NonceSize() {
		return "", ErrMalformed
	}

	nonce, body := ct[:aead.NonceSize()], ct[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(pt), nil
}

// IsSealed reports whether a stored value carries the sealed prefix. Used to
// read through plaintext rows written before sealing was enabled.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefixV1)
}

func (b *Box) roomAEAD(room string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, b.master, nil, []byte("relay.room."+room))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("sealed: derive room key: %w", err)
	}
	return chacha20poly1305.New(key)
}
