// Package vault seals records at rest with a passphrase-derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Vault seals data with AES-256-GCM. The key is derived from the passphrase
// with Argon2id over a salt that depends only on the passphrase, so the same
// passphrase opens records written before a restart.
type Vault struct {
	aead cipher.AEAD
}

func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("empty vault passphrase")
	}
	salt := sha256.Sum256([]byte("synodos-vault:" + passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce. aad is authenticated
// but not stored; the same aad must be passed to Open. Callers bind a record
// to its identity this way so sealed blobs cannot be swapped between rows.
func (v *Vault) Seal(plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, aad), nonce, nil
}

func (v *Vault) Open(ciphertext, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt: bad nonce length %d", len(nonce))
	}
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
