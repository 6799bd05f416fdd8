package signing

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names for the inbound signed-envelope flow.
const (
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
	HeaderNonce     = "x-nonce"
	HeaderCheckID   = "x-check-id"
)

// Envelope is a parsed, not-yet-verified signed request envelope. It is
// verified exactly once per request and never persisted.
type Envelope struct {
	CheckID     string
	TimestampMs int64
	Nonce       string
	Signature   string
}

// ParseEnvelope pulls the four signing headers off a request. Any missing or
// malformed header maps to ErrMissingHeader; the caller responds 400 without
// detail and logs the specific field.
func ParseEnvelope(r *http.Request) (Envelope, error) {
	var env Envelope

	env.Signature = strings.TrimSpace(r.Header.Get(HeaderSignature))
	if env.Signature == "" {
		return env, ErrMissingHeader
	}
	env.CheckID = strings.TrimSpace(r.Header.Get(HeaderCheckID))
	if env.CheckID == "" {
		return env, ErrMissingHeader
	}
	env.Nonce = strings.TrimSpace(r.Header.Get(HeaderNonce))
	if env.Nonce == "" {
		return env, ErrMissingHeader
	}
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if ts == "" {
		return env, ErrMissingHeader
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms <= 0 {
		return env, ErrMissingHeader
	}
	env.TimestampMs = ms
	return env, nil
}

// VerifyEnvelope runs the full inbound check: freshness first (a valid but
// old signature is a replay), then the HMAC itself. Both gates are mandatory.
func (s *Signer) VerifyEnvelope(env Envelope, payload any, now time.Time, tolerance time.Duration) error {
	if !Fresh(env.TimestampMs, now, tolerance) {
		return ErrStale
	}
	ok, err := s.Verify(env.Signature, env.CheckID, env.TimestampMs, env.Nonce, payload)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}
