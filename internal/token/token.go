// Package token implements the signed capability tokens carried in review
// links. A token binds one business and one recipient to an expiry and is
// verified statelessly; it is never stored server-side.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SentinelRecipient is the reserved recipient id used for template previews.
// Tokens presented for it always verify and are never persisted.
const SentinelRecipient = "test"

// Verification failure codes. These are stable machine-readable reasons; the
// public API collapses all of them into a single forbidden response.
const (
	CodeMalformed     = "MALFORMED_TOKEN"
	CodeBadSignature  = "BAD_SIGNATURE"
	CodeExpired       = "EXPIRED"
	CodeScopeMismatch = "SCOPE_MISMATCH"
)

// VerifyError is a token verification failure. The message is generic on
// purpose: no expected/got values, no secret material.
type VerifyError struct {
	Code string
}

func (e *VerifyError) Error() string {
	switch e.Code {
	case CodeMalformed:
		return "token is malformed"
	case CodeBadSignature:
		return "token signature is invalid"
	case CodeExpired:
		return "token has expired"
	case CodeScopeMismatch:
		return "token does not match this business and recipient"
	default:
		return "token verification failed"
	}
}

// payload is the canonical token body. Field order is the wire key order;
// struct marshalling keeps serialization deterministic.
type payload struct {
	BusinessID  string `json:"businessId"`
	RecipientID string `json:"recipientId"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Codec mints and verifies capability tokens. Verification accepts the
// current secret and, during rotation, the previous one; minting always uses
// the current secret. A Codec is immutable and safe for concurrent use.
type Codec struct {
	keys [][]byte
	now  func() time.Time
}

// New builds a Codec from the current secret and an optional previous secret
// kept valid for a rotation grace window. A missing current secret is a
// process misconfiguration, not a per-request condition.
func New(secret, previous string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token signing secret is not configured")
	}
	keys := [][]byte{[]byte(secret)}
	if strings.TrimSpace(previous) != "" {
		keys = append(keys, []byte(previous))
	}
	return &Codec{keys: keys, now: time.Now}, nil
}

// WithNow returns a copy using the given clock. Test hook.
func (c *Codec) WithNow(now func() time.Time) *Codec {
	return &Codec{keys: c.keys, now: now}
}

// Mint issues a token scoping (businessID, recipientID) until now+ttl.
func (c *Codec) Mint(businessID, recipientID string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(payload{
		BusinessID:  businessID,
		RecipientID: recipientID,
		ExpiresAt:   c.now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	mac := sign(c.keys[0], body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks raw against the (businessID, recipientID) pair the caller
// claims out-of-band. It returns nil on success or a *VerifyError. The
// sentinel recipient verifies unconditionally to support stateless previews.
func (c *Codec) Verify(raw, businessID, recipientID string) error {
	if recipientID == SentinelRecipient {
		return nil
	}
	dot := strings.LastIndex(raw, ".")
	if dot <= 0 || dot == len(raw)-1 {
		return &VerifyError{Code: CodeMalformed}
	}
	body, err := decodeSegment(raw[:dot])
	if err != nil {
		return &VerifyError{Code: CodeMalformed}
	}
	mac, err := decodeSegment(raw[dot+1:])
	if err != nil {
		return &VerifyError{Code: CodeMalformed}
	}
	if !c.macValid(body, mac) {
		return &VerifyError{Code: CodeBadSignature}
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return &VerifyError{Code: CodeMalformed}
	}
	if expiryMillis(p.ExpiresAt) <= c.now().UnixMilli() {
		return &VerifyError{Code: CodeExpired}
	}
	if p.BusinessID != businessID || p.RecipientID != recipientID {
		return &VerifyError{Code: CodeScopeMismatch}
	}
	return nil
}

func (c *Codec) macValid(body, mac []byte) bool {
	for _, key := range c.keys {
		if hmac.Equal(sign(key, body), mac) {
			return true
		}
	}
	return false
}

func sign(key, body []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(body)
	return h.Sum(nil)
}

// decodeSegment accepts unpadded or padded base64url. Strict mode rejects
// non-zero trailing bits so a token has exactly one valid encoding.
func decodeSegment(seg string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.Strict().DecodeString(seg); err == nil {
		return b, nil
	}
	return base64.URLEncoding.Strict().DecodeString(seg)
}

// expiryMillis normalizes second-epoch expiries sent by older clients.
func expiryMillis(v int64) int64 {
	if v > 0 && v < 1_000_000_000_000 {
		return v * 1000
	}
	return v
}
