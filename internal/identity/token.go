// Package identity mints and verifies the signed assertions presented on
// every relay connection. A token is base64(claims JSON) + "." +
// hex(HMAC-SHA256); verification tries every configured key so signing
// keys can be rotated without cutting off live clients.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"veilchat/internal/domain"
)

// ErrInvalidToken covers every verification failure: missing, malformed,
// tampered and expired tokens all look the same to the caller, so a
// rejected connection leaks nothing about why.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims is the payload of a signed identity assertion.
type Claims struct {
	UserID      domain.UserID `json:"identityId"`
	DisplayName string        `json:"displayName"`
	Expiry      int64         `json:"expiry"`
}

// Signer mints with the first key and verifies against all of them.
type Signer struct {
	keys [][]byte
	now  func() time.Time
}

func NewSigner(keys ...string) (*Signer, error) {
	if len(keys) == 0 {
		return nil, errors.New("identity: no signing keys configured")
	}
	s := &Signer{now: time.Now}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, errors.New("identity: empty signing key")
		}
		s.keys = append(s.keys, []byte(k))
	}
	return s, nil
}

// Mint issues a token for id valid for ttl.
func (s *Signer) Mint(id domain.UserID, displayName string, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(Claims{
		UserID:      id,
		DisplayName: displayName,
		Expiry:      s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + sign(s.keys[0], payload), nil
}

// Verify checks signature and expiry and returns the asserted claims.
func (s *Signer) Verify(token string) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return Claims{}, ErrInvalidToken
	}

	valid := false
	for _, k := range s.keys {
		if hmac.Equal([]byte(sign(k, payload)), []byte(sig)) {
			valid = true
			break
		}
	}
	if !valid {
		return Claims{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if c.UserID == "" || s.now().Unix() >= c.Expiry {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// Peek decodes a token's claims without checking the signature. Only
// for client-side display of its own identity; the relay always
// verifies.
func Peek(token string) (Claims, error) {
	payload, _, ok := strings.Cut(token, ".")
	if !ok || payload == "" {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil || c.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

func sign(key []byte, payload string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
