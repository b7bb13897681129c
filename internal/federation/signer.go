package federation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrBadSignature is returned when a signature does not match the payload.
var ErrBadSignature = errors.New("signature mismatch")

// Signer produces the authenticity proof attached to outbound payloads.
type Signer interface {
	Sign(payload []byte) string
}

// HMACSigner signs and verifies payloads with a shared federation secret.
// It satisfies both the dispatcher's Signer and the resolver's Verifier.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) Verify(payload []byte, signature string) error {
	if !hmac.Equal([]byte(s.Sign(payload)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
