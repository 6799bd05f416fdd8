package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/kvstore"
)

// Rule is a per-action limit: at most Max requests per Window per caller.
type Rule struct {
	Action string
	Max    int64
	Window time.Duration
}

// Decision is the outcome of one window check.
type Decision struct {
	Allowed bool
	Count   int64
	// RetryAfter is a hint for the client when denied; the fixed window
	// cannot tell exactly when the counter expires without a second round
	// trip, so the full window length is used.
	RetryAfter time.Duration
}

// Window is the store-backed fixed-window limiter.
type Window struct {
	store kvstore.Store

	// OnDenied fires on every denial (prometheus counter).
	OnDenied func(action string)
	// OnStoreError fires when the store round trip fails and the request is
	// denied closed.
	OnStoreError func(action string, err error)
}

func NewWindow(store kvstore.Store) *Window {
	return &Window{store: store}
}

// Check increments the caller's counter for the rule's window and decides.
//
// The counter is incremented unconditionally, so a denied caller who keeps
// retrying pushes the count past Max. That differs from a read-then-increment
// scheme that freezes the counter at Max, but the two are externally
// equivalent: the window TTL is fixed at the first increment (IncrWindow only
// sets expiry when it creates the key), so extra increments never extend the
// window, and any count above Max denies identically. The single INCR keeps
// the check one round trip with no lua.
func (w *Window) Check(ctx context.Context, rule Rule, identity string) (Decision, error) {
	key := "rl:" + rule.Action + ":" + identity
	count, err := w.store.IncrWindow(ctx, key, rule.Window)
	if err != nil {
		if w.OnStoreError != nil {
			w.OnStoreError(rule.Action, err)
		}
		// fail closed: unlimited traffic on a store outage is unacceptable
		return Decision{Allowed: false, RetryAfter: rule.Window}, err
	}
	if count > rule.Max {
		if w.OnDenied != nil {
			w.OnDenied(rule.Action)
		}
		return Decision{Allowed: false, Count: count, RetryAfter: rule.Window}, nil
	}
	return Decision{Allowed: true, Count: count}, nil
}

// RetryAfterHeader renders a Decision's hint as whole seconds, minimum 1.
func RetryAfterHeader(d Decision) string {
	secs := int64(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
