// Package signing implements the HMAC request envelope and delivery-token
// signatures shared by every trust-layer endpoint.
//
// Request envelopes sign checkId|timestampMs|nonce|canonical(payload) and are
// carried in the x-signature / x-timestamp / x-nonce / x-check-id headers.
// Delivery tokens sign objectKey|expires and are carried in URL query params.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/canonical"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// DefaultTolerance is the allowed clock skew between a signed timestamp and
// verification time. A valid-but-older signature is a replay by definition.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingHeader = xerrors.New("missing or malformed signing header")
	ErrBadSignature  = xerrors.New("signature verification failed")
	ErrStale         = xerrors.New("signature timestamp outside freshness window")
)

type Signer struct {
	secret []byte
}

func New(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign computes the envelope signature, standard base64 with padding.
func (s *Signer) Sign(checkID string, timestampMs int64, nonce string, payload any) (string, error) {
	canon, err := canonical.Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(checkID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte("|"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("|"))
	mac.Write([]byte(canon))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the expected signature and compares raw bytes in constant
// time. Both sides are decoded first - never compare the base64 text with ==.
func (s *Signer) Verify(signature, checkID string, timestampMs int64, nonce string, payload any) (bool, error) {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	expected, err := s.Sign(checkID, timestampMs, nonce, payload)
	if err != nil {
		return false, err
	}
	want, _ := base64.StdEncoding.DecodeString(expected)
	return hmac.Equal(got, want), nil
}

// Fresh reports whether a signed timestamp is within tolerance of now.
// Past and future skew are treated the same.
func Fresh(timestampMs int64, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	delta := now.UnixMilli() - timestampMs
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance.Milliseconds()
}

// SignToken computes the delivery-token signature over objectKey|expires,
// base64url (unpadded) so it embeds cleanly in a query string.
func (s *Signer) SignToken(objectKey string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(objectKey))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a delivery-token signature in constant time.
func (s *Signer) VerifyToken(signature, objectKey string, expires int64) bool {
	got, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := base64.RawURLEncoding.DecodeString(s.SignToken(objectKey, expires))
	return hmac.Equal(got, want)
}
