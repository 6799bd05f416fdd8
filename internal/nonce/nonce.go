// Package nonce tracks recently seen envelope nonces so a captured request
// cannot be replayed inside the freshness window. TTL matches the window:
// anything older fails the freshness check before it gets here.
package nonce

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/kvstore"
)

const keyPrefix = "trust:nonce:"

type Tracker struct {
	store kvstore.Store
	ttl   time.Duration
}

func NewTracker(store kvstore.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tracker{store: store, ttl: ttl}
}

// Seen records checkID:nonce and reports whether it was already present.
// A store error is returned as-is; envelope authentication fails closed on it.
func (t *Tracker) Seen(ctx context.Context, checkID, nonce string) (bool, error) {
	ok, err := t.store.SetNX(ctx, keyPrefix+checkID+":"+nonce, []byte("1"), t.ttl)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
