// Package serializer turns typed payloads into transportable, authenticated
// ciphertext envelopes and back. All transforms are pure and synchronous;
// callers own retry policy.
package serializer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/subrelay/internal/crypto"
	"github.com/and161185/subrelay/internal/errs"
	"github.com/and161185/subrelay/internal/identity"
	"github.com/and161185/subrelay/internal/keystore"
	"github.com/and161185/subrelay/internal/model"
)

// envelope is the JSON-RPC frame encrypted inside the transport string.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Serializer encrypts and frames payloads using per-topic symmetric keys.
type Serializer struct {
	keys keystore.KeyStore
}

// New constructs a serializer over the given key store.
func New(keys keystore.KeyStore) *Serializer {
	return &Serializer{keys: keys}
}

// Serialize encodes payload as JSON-RPC request params, encrypts the frame
// with the topic's key, and returns the base64 transport string.
// Fails with errs.ErrKeyNotFound when no key is installed for the topic.
func (s *Serializer) Serialize(topic, method string, payload any) (string, error) {
	key, err := s.keys.SymmetricKey(topic)
	if err != nil {
		return "", fmt.Errorf("serialize %s: %w", topic, err)
	}
	params, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize %s: encode params: %w", topic, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	frame, err := json.Marshal(envelope{
		JSONRPC: "2.0",
		ID:      id.String(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return "", err
	}
	blob, err := crypto.Seal(key, frame, []byte(topic))
	if err != nil {
		return "", fmt.Errorf("serialize %s: %w", topic, err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Deserialize reverses Serialize: decodes, decrypts, unframes and unmarshals
// params into out. Returns the envelope method.
//
// Error mapping: errs.ErrKeyNotFound (no key), errs.ErrMalformedEnvelope
// (bad base64 or bad frame JSON), errs.ErrDecryptionFailed (MAC mismatch),
// errs.ErrTypeMismatch (params do not fit out's schema).
func (s *Serializer) Deserialize(topic, transport string, out any) (string, error) {
	key, err := s.keys.SymmetricKey(topic)
	if err != nil {
		return "", fmt.Errorf("deserialize %s: %w", topic, err)
	}
	blob, err := base64.StdEncoding.DecodeString(transport)
	if err != nil {
		return "", fmt.Errorf("deserialize %s: %w: %v", topic, errs.ErrMalformedEnvelope, err)
	}
	frame, err := crypto.Open(key, blob, []byte(topic))
	if err != nil {
		return "", fmt.Errorf("deserialize %s: %w", topic, errs.ErrDecryptionFailed)
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", fmt.Errorf("deserialize %s: %w: %v", topic, errs.ErrMalformedEnvelope, err)
	}
	body := env.Params
	if body == nil {
		body = env.Result
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return "", fmt.Errorf("deserialize %s: %w: %v", topic, errs.ErrTypeMismatch, err)
	}
	return env.Method, nil
}

// DecodeAndVerify verifies a JWT wrapper against the public key claimed in
// its issuer and fills claims on success. The key is the identity: a wrapper
// whose signature does not match its own claimed signer is rejected with
// errs.ErrSignatureInvalid.
func DecodeAndVerify(wrapper model.JWTWrapper, claims identity.IssuerClaims) error {
	_, err := jwt.ParseWithClaims(wrapper.JWT, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		iss, err := t.Claims.GetIssuer()
		if err != nil || iss == "" {
			return nil, fmt.Errorf("missing issuer")
		}
		return identity.DecodeKey(iss)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("wrapper: %w: %v", errs.ErrMalformedEnvelope, err)
	default:
		return fmt.Errorf("wrapper: %w", errs.ErrSignatureInvalid)
	}
}

// VerifyAgainst checks the wrapper against an expected signer in addition to
// the embedded issuer. Used when the counterparty key is known out of band.
func VerifyAgainst(wrapper model.JWTWrapper, claims identity.IssuerClaims, signer ed25519.PublicKey) error {
	if err := DecodeAndVerify(wrapper, claims); err != nil {
		return err
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss != identity.EncodeKey(signer) {
		return fmt.Errorf("wrapper signer mismatch: %w", errs.ErrSignatureInvalid)
	}
	return nil
}
