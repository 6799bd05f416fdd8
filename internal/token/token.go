// Package token issues and validates signed, time-boxed delivery URLs.
// A delivery token is a capability: whoever holds the URL can fetch the
// object until expiry. Tokens are not revocable; expiry is the only
// termination mechanism.
package token

import (
	"net/url"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-edge/internal/signing"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Query parameter names on delivery URLs.
const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

var (
	ErrMalformed = xerrors.New("delivery token malformed")
	ErrExpired   = xerrors.New("delivery token expired")
	ErrInvalid   = xerrors.New("delivery token signature invalid")
)

// DeliveryToken is an issued capability for one object key.
type DeliveryToken struct {
	ObjectKey string    `json:"object_key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"-"`
}

type Issuer struct {
	signer *signing.Signer
	// basePath is the redemption route prefix, e.g. "/downloads/"
	basePath string
}

func NewIssuer(signer *signing.Signer, basePath string) *Issuer {
	return &Issuer{signer: signer, basePath: basePath}
}

// Issue signs objectKey|expires and builds the redemption URL path.
func (i *Issuer) Issue(objectKey string, ttl time.Duration) (DeliveryToken, error) {
	if objectKey == "" || pathutil.HasDotSegments(objectKey) {
		return DeliveryToken{}, ErrMalformed
	}
	expiresAt := time.Now().Add(ttl).Truncate(time.Second)
	expires := expiresAt.Unix()
	sig := i.signer.SignToken(objectKey, expires)

	q := url.Values{}
	q.Set(ParamExpires, strconv.FormatInt(expires, 10))
	q.Set(ParamSignature, sig)

	escaped := (&url.URL{Path: i.basePath + objectKey}).EscapedPath()
	return DeliveryToken{
		ObjectKey: objectKey,
		URL:       escaped + "?" + q.Encode(),
		ExpiresAt: expiresAt,
		Signature: sig,
	}, nil
}

// Validate runs the redemption checks in their required order: parse, then
// expiry, then signature. Expiry comes first so an expired token is rejected
// with the distinct "expired" status before any signature work, and long
// before anything touches a cache. A valid-signature-but-stale token must
// never reach object resolution.
func Validate(signer *signing.Signer, objectKey string, query url.Values, now time.Time) error {
	if objectKey == "" || pathutil.HasDotSegments(objectKey) {
		return ErrMalformed
	}
	rawExpires := query.Get(ParamExpires)
	sig := query.Get(ParamSignature)
	if rawExpires == "" || sig == "" {
		return ErrMalformed
	}
	expires, err := strconv.ParseInt(rawExpires, 10, 64)
	if err != nil || expires <= 0 {
		return ErrMalformed
	}
	if now.Unix() > expires {
		return ErrExpired
	}
	if !signer.VerifyToken(sig, objectKey, expires) {
		return ErrInvalid
	}
	return nil
}
