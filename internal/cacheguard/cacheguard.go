// Package cacheguard fronts cacheable generated artifacts (the social
// preview images) with the shared HTTP-level cache, while enforcing the one
// ordering rule that matters: the request's own signature and expiry are
// validated before the cache is consulted. An expired or forged request can
// never receive a previously cached response.
package cacheguard

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/signing"
	"github.com/keithlinneman/linnemanlabs-edge/internal/token"
)

const keyPrefix = "trust:artifact:"

// Producer generates the artifact on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

type Guard struct {
	store  kvstore.Store
	signer *signing.Signer

	// MaxTTL bounds how long an entry stays cached regardless of how far
	// out the token expires. Zero means token expiry alone decides.
	MaxTTL time.Duration

	// OnHit / OnMiss feed the prometheus cache counters.
	OnHit  func()
	OnMiss func()
}

func New(store kvstore.Store, signer *signing.Signer) *Guard {
	return &Guard{store: store, signer: signer}
}

// Serve validates the request token, then serves from cache or produces.
//
// The cache key is the full request URL (path + signed query), so two tokens
// for the same object cache independently and a token can never address
// another token's entry. Entry TTL is capped at token expiry: a cached body
// never outlives the capability that produced it.
func (g *Guard) Serve(ctx context.Context, objectKey string, requestURL *url.URL, produce Producer) ([]byte, error) {
	// token checks strictly precede any cache read
	if err := token.Validate(g.signer, objectKey, requestURL.Query(), time.Now()); err != nil {
		return nil, err
	}

	cacheKey := keyPrefix + requestURL.Path + "?" + requestURL.RawQuery

	if body, err := g.store.Get(ctx, cacheKey); err == nil {
		if g.OnHit != nil {
			g.OnHit()
		}
		return body, nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		// cache outage degrades to rendering every request; not a failure
		log.FromContext(ctx).Warn(ctx, "artifact cache read failed, rendering", "err", err.Error())
	}

	if g.OnMiss != nil {
		g.OnMiss()
	}
	body, err := produce(ctx)
	if err != nil {
		return nil, err
	}

	if ttl := g.cacheTTL(requestURL.Query()); ttl > 0 {
		if err := g.store.Set(ctx, cacheKey, body, ttl); err != nil {
			log.FromContext(ctx).Warn(ctx, "artifact cache write failed", "err", err.Error())
		}
	}
	return body, nil
}

// cacheTTL caps the entry lifetime at the token's remaining validity,
// further bounded by MaxTTL when one is configured.
func (g *Guard) cacheTTL(query url.Values) time.Duration {
	expires := query.Get(token.ParamExpires)
	if expires == "" {
		return 0
	}
	var unix int64
	for _, c := range expires {
		if c < '0' || c > '9' {
			return 0
		}
		unix = unix*10 + int64(c-'0')
	}
	remaining := time.Until(time.Unix(unix, 0))
	if remaining <= 0 {
		return 0
	}
	if g.MaxTTL > 0 && remaining > g.MaxTTL {
		return g.MaxTTL
	}
	return remaining
}
