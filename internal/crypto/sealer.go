// Package crypto seals chat message content at rest with AES-256-GCM.
// Sealed values carry the id of the key that produced them so old rows
// remain readable after a key rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// prefix marks a sealed value: $cg1$<key-id>$<nonce-b64>$<ciphertext-b64>
const prefix = "$cg1$"

type Sealer struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		if strings.Contains(id, "$") {
			return nil, fmt.Errorf("key id %q must not contain '$'", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Sealer{currentKeyID: currentKeyID, keys: cp}, nil
}

// Seal encrypts plaintext with the current key and returns the compact
// storable form.
func (s *Sealer) Seal(plaintext string) (string, error) {
	aead, err := s.aead(s.currentKeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return prefix + s.currentKeyID +
		"$" + base64.RawStdEncoding.EncodeToString(nonce) +
		"$" + base64.RawStdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal, with whichever known key sealed it.
func (s *Sealer) Open(sealed string) (string, error) {
	rest, ok := strings.CutPrefix(sealed, prefix)
	if !ok {
		return "", fmt.Errorf("value is not sealed")
	}
	parts := strings.SplitN(rest, "$", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed sealed value")
	}
	keyID := parts[0]
	if _, ok := s.keys[keyID]; !ok {
		return "", fmt.Errorf("unknown key id %q", keyID)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := s.aead(keyID)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether a stored value is in the sealed form. Sessions
// created before encryption was enabled keep plaintext rows.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// Reseal decrypts with whichever key sealed the value and re-encrypts with
// the current key.
func (s *Sealer) Reseal(sealed string) (string, error) {
	plain, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return s.Seal(plain)
}

func (s *Sealer) aead(keyID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.keys[keyID])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
