// Package keystore defines the symmetric key storage contract and an
// in-memory implementation. Secure at-rest storage is an external concern;
// anything satisfying KeyStore can be plugged in.
package keystore

import (
	"sync"

	"github.com/and161185/subrelay/internal/errs"
)

// KeyStore holds symmetric key material keyed by topic.
type KeyStore interface {
	// SetSymmetricKey installs the key for a topic, replacing any previous one.
	SetSymmetricKey(topic string, key []byte) error
	// SymmetricKey returns the key for a topic or errs.ErrKeyNotFound.
	SymmetricKey(topic string) ([]byte, error)
	// DeleteSymmetricKey removes the key for a topic; absent keys are a no-op.
	DeleteSymmetricKey(topic string) error
}

// Memory is a process-local KeyStore safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemory constructs an empty in-memory key store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

func (m *Memory) SetSymmetricKey(topic string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[topic] = append([]byte(nil), key...)
	return nil
}

func (m *Memory) SymmetricKey(topic string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[topic]
	if !ok {
		return nil, errs.ErrKeyNotFound
	}
	return append([]byte(nil), key...), nil
}

func (m *Memory) DeleteSymmetricKey(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, topic)
	return nil
}
