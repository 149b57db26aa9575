package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
)

// VerifySignature checks the header value against the HMAC-SHA256 of body
// using the shared secret. The comparison is constant time.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body with the shared secret.
// Callers use it to produce the X-Signature header; tests use it to
// build valid requests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
