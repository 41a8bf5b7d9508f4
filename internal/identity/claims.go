package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/subrelay/internal/model"
)

// MessageClaims is the signed payload of a protocol message on a duplex
// thread. Registered claim mapping: aud = recipient account, iat = publish
// time, jti = per-message nonce, iss = signer public key.
type MessageClaims struct {
	jwt.RegisteredClaims
	Message string `json:"msg"`
}

func (c *MessageClaims) SetIssuer(iss string) { c.Issuer = iss }

// Recipient returns the recipient account from the aud claim.
func (c *MessageClaims) Recipient() model.Account {
	if len(c.Audience) == 0 {
		return ""
	}
	return model.Account(c.Audience[0])
}

// RecordID content-addresses the message from recipient, timestamp and nonce.
func (c *MessageClaims) RecordID() string {
	var iat int64
	if c.IssuedAt != nil {
		iat = c.IssuedAt.Unix()
	}
	h := sha256.Sum256([]byte(string(c.Recipient()) + "|" + strconv.FormatInt(iat, 10) + "|" + c.ID))
	return hex.EncodeToString(h[:])
}

// NewMessageClaims builds message claims for sending.
func NewMessageClaims(recipient model.Account, message, nonce string, now time.Time) *MessageClaims {
	return &MessageClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{recipient.String()},
			IssuedAt: jwt.NewNumericDate(now),
			ID:       nonce,
		},
		Message: message,
	}
}

// DeleteClaims is the signed payload of a subscription delete request:
// keyserver origin, counterparty public identity key (aud), structured
// disconnect reason, and the application URL.
type DeleteClaims struct {
	jwt.RegisteredClaims
	Keyserver string `json:"ksu"`
	App       string `json:"app"`
	Reason    string `json:"reason"`
}

func (c *DeleteClaims) SetIssuer(iss string) { c.Issuer = iss }

// ReasonUserDisconnected is the default disconnect reason for an explicit,
// user-initiated delete.
const ReasonUserDisconnected = "user disconnected"

// NewDeleteClaims builds delete claims addressed to the counterparty key.
func NewDeleteClaims(keyserver, app, reason, counterpartyKey string, now time.Time) *DeleteClaims {
	return &DeleteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{counterpartyKey},
			IssuedAt: jwt.NewNumericDate(now),
		},
		Keyserver: keyserver,
		App:       app,
		Reason:    reason,
	}
}

// RegistrationMessage is the human-readable message a user signs to enable
// sync for an account on this device.
func RegistrationMessage(account model.Account) string {
	return fmt.Sprintf("Enable subscription sync for %s", account)
}
