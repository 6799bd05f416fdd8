package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
)

// visitor tracks a single IP's bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we already emitted the first-denial log;
	// resets when the entry is evicted and re-created
	logged bool
}

// IPGuard holds per-IP token buckets with background eviction. It runs in
// front of the store-backed Window limiter so junk traffic never reaches the
// shared store.
type IPGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before eviction
	ttl time.Duration

	// OnFirstDenied is called once per visitor on its first denial (log)
	OnFirstDenied func(ip string)
	// OnDenied is called on every denied request (prometheus counter)
	OnDenied func(ip string)
}

type GuardOption func(*IPGuard)

// WithRate sets the refill rate and bucket capacity.
// WithRate(10, 50) allows 50 requests at once, refilling 10 per second.
func WithRate(perSecond float64, burst int) GuardOption {
	return func(g *IPGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) GuardOption {
	return func(g *IPGuard) {
		g.ttl = d
	}
}

// WithOnFirstDenied sets a once-per-visitor denial callback, used for logging
// without log spam. Separate from OnDenied which fires every time.
func WithOnFirstDenied(fn func(ip string)) GuardOption {
	return func(g *IPGuard) {
		g.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request
func WithOnDenied(fn func(ip string)) GuardOption {
	return func(g *IPGuard) {
		g.OnDenied = fn
	}
}

// NewIPGuard creates the guard and starts its cleanup goroutine, stopped by
// ctx cancellation on shutdown.
func NewIPGuard(ctx context.Context, opts ...GuardOption) *IPGuard {
	g := &IPGuard{
		visitors:  make(map[string]*visitor),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(g)
	}
	go g.cleanup(ctx)
	return g
}

// allow checks whether the given IP is within its bucket, creating the
// visitor on first sight.
func (g *IPGuard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(g.perSecond, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release before calling hooks, they may do slow work
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}

	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}
	return allowed
}

// cleanup evicts idle visitors every ttl/2.
func (g *IPGuard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-IP budget with 429.
func (g *IPGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		if !g.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally no detail about limits or refill timing
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
