// Package crypto contains symmetric primitives for envelope encryption
// and topic derivation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the symmetric key length used for all topic keys.
const KeyLen = 32

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewSymKey generates a fresh topic key.
func NewSymKey() ([]byte, error) { return Rand(KeyLen) }

// Seal encrypts plaintext with XChaCha20-Poly1305 and a random nonce.
// Output layout: nonce || ciphertext||tag. AAD binds the blob to its topic.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same AAD.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// TopicForKey derives the routing topic for a symmetric key: hex(SHA-256(key)).
// The relation is 1:1 while the key is active.
func TopicForKey(symKey []byte) string {
	h := sha256.Sum256(symKey)
	return hex.EncodeToString(h[:])
}

// DeriveSyncKey derives an account's sync-store key from its registration
// signature via HKDF-SHA256. Deterministic: every device that obtains the
// same signature lands on the same sync topic.
func DeriveSyncKey(signature []byte, account string) ([]byte, error) {
	r := hkdf.New(sha256.New, signature, nil, []byte("sync-store:"+account))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}
