// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across serializer/store/lifecycle layers.
var (
	// ErrSubscriptionNotFound indicates no subscription exists for the given topic.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNotRegistered indicates the account has no sync identity yet.
	ErrNotRegistered = errors.New("account not registered")

	// ErrKeyNotFound indicates no symmetric key is installed for the topic.
	ErrKeyNotFound = errors.New("key not found")

	// ErrDecryptionFailed indicates AEAD open failed (MAC mismatch or corrupt ciphertext).
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSignatureInvalid indicates a JWT wrapper signature that does not verify
	// against the claimed signer.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrMalformedEnvelope indicates the transport string is not a valid framed envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrTypeMismatch indicates decrypted JSON does not match the expected payload schema.
	ErrTypeMismatch = errors.New("payload type mismatch")

	// ErrSignatureRejected indicates the user declined an interactive signing prompt.
	ErrSignatureRejected = errors.New("register signature rejected")

	// ErrRemoteNotify indicates a delete committed locally but the signed remote
	// notification did not go through. Always wraps the transport cause.
	ErrRemoteNotify = errors.New("remote delete notify failed")
)
