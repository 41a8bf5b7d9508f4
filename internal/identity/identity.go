// Package identity signs structured payloads into verifiable JWT wrappers
// bound to an account.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/subrelay/internal/errs"
	"github.com/and161185/subrelay/internal/model"
)

// SignFunc is a user-interactive signing callback (e.g. a wallet prompt).
// A declined prompt returns errs.ErrSignatureRejected.
type SignFunc func(ctx context.Context, message string) (string, error)

// Gateway signs claims payloads into JWT wrappers on behalf of an account.
type Gateway interface {
	SignWrapper(ctx context.Context, account model.Account, claims IssuerClaims) (model.JWTWrapper, error)
}

// IssuerClaims is a claims payload whose issuer is stamped at signing time
// with the signer's public key, so the wrapper is verifiable standalone.
type IssuerClaims interface {
	jwt.Claims
	SetIssuer(iss string)
}

// Keyring is an in-memory Gateway holding one Ed25519 identity per account.
type Keyring struct {
	mu   sync.RWMutex
	keys map[model.Account]ed25519.PrivateKey
}

// NewKeyring constructs an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[model.Account]ed25519.PrivateKey)}
}

// Generate creates and stores a fresh identity key for an account.
// Generating twice replaces the previous identity.
func (k *Keyring) Generate(account model.Account) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.keys[account] = priv
	k.mu.Unlock()
	return pub, nil
}

// Register installs an existing identity key for an account.
func (k *Keyring) Register(account model.Account, priv ed25519.PrivateKey) {
	k.mu.Lock()
	k.keys[account] = priv
	k.mu.Unlock()
}

// PublicKey returns the account's identity public key.
func (k *Keyring) PublicKey(account model.Account) (ed25519.PublicKey, error) {
	k.mu.RLock()
	priv, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", account, errs.ErrNotRegistered)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// SignMessage signs an arbitrary message with the account's identity key and
// returns the hex signature.
func (k *Keyring) SignMessage(account model.Account, message string) (string, error) {
	k.mu.RLock()
	priv, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("identity %s: %w", account, errs.ErrNotRegistered)
	}
	return hex.EncodeToString(ed25519.Sign(priv, []byte(message))), nil
}

// SignWrapper stamps the issuer and signs the claims with EdDSA.
func (k *Keyring) SignWrapper(ctx context.Context, account model.Account, claims IssuerClaims) (model.JWTWrapper, error) {
	k.mu.RLock()
	priv, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return model.JWTWrapper{}, fmt.Errorf("identity %s: %w", account, errs.ErrNotRegistered)
	}
	claims.SetIssuer(EncodeKey(priv.Public().(ed25519.PublicKey)))
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		return model.JWTWrapper{}, fmt.Errorf("sign wrapper: %w", err)
	}
	return model.JWTWrapper{JWT: signed}, nil
}

// EncodeKey renders a public key in the issuer claim form.
func EncodeKey(pub ed25519.PublicKey) string { return hex.EncodeToString(pub) }

// DecodeKey parses an issuer claim back into a public key.
func DecodeKey(iss string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(iss)
	if err != nil {
		return nil, fmt.Errorf("decode issuer key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("issuer key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

var _ Gateway = (*Keyring)(nil)
