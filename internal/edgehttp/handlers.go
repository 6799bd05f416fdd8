package edgehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-edge/internal/assetcache"
	"github.com/keithlinneman/linnemanlabs-edge/internal/audit"
	"github.com/keithlinneman/linnemanlabs-edge/internal/cacheguard"
	"github.com/keithlinneman/linnemanlabs-edge/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-edge/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-edge/internal/leads"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/nonce"
	"github.com/keithlinneman/linnemanlabs-edge/internal/preview"
	"github.com/keithlinneman/linnemanlabs-edge/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-edge/internal/signing"
	"github.com/keithlinneman/linnemanlabs-edge/internal/token"
)

// AdminCheckID is the only check id accepted on the lead viewer.
const AdminCheckID = "admin-leads"

// Handlers carries every dependency the trust-layer endpoints need.
// Metrics are wired through optional hooks so the package stays testable
// without a registry.
type Handlers struct {
	Signer    *signing.Signer
	Tolerance time.Duration

	// Nonces is optional; nil disables replay tracking.
	Nonces *nonce.Tracker

	Limiter        *ratelimit.Window
	ContactRule    ratelimit.Rule
	WhitepaperRule ratelimit.Rule
	BeaconRule     ratelimit.Rule
	DownloadRule   ratelimit.Rule

	Audit *audit.Recorder
	Leads *leads.Store

	Issuer   *token.Issuer
	TokenTTL time.Duration
	Guard    *cacheguard.Guard
	Renderer preview.Renderer

	Store   kvstore.Store
	Objects assetcache.S3API
	Bucket  string

	// Whitepapers is the allow-list of issuable document keys.
	Whitepapers map[string]struct{}

	OnAuthFailure   func(reason string)
	OnVerified      func()
	OnTokenIssued   func()
	OnTokenRedeemed func()
	OnTokenRejected func(reason string)
	OnLeadRecorded  func()
	OnPreviewRender func(seconds float64)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Routes mounts the public endpoints.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/api/contact", h.Contact)
	r.Post("/api/whitepaper", h.Whitepaper)
	r.Post("/api/beacon", h.Beacon)
	r.Get("/api/probe", h.Probe)
	r.Head("/api/probe", h.Probe)
	r.Get("/api/admin/leads", h.AdminLeads)
	r.Get("/downloads/*", h.Download)
	r.Get("/og/{slug}.png", h.OGImage)
}

func (h *Handlers) clock() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) tolerance() time.Duration {
	if h.Tolerance > 0 {
		return h.Tolerance
	}
	return signing.DefaultTolerance
}

// rateLimit runs a window check keyed by client IP. A denied decision has
// already been counted (or the store is down, which also denies).
func (h *Handlers) rateLimit(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule) bool {
	if h.Limiter == nil {
		return true
	}
	d, err := h.Limiter.Check(r.Context(), rule, httpmw.ClientIPFromContext(r.Context()))
	if d.Allowed {
		return true
	}
	if err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "rate limit store unavailable, denying",
			"action", rule.Action)
	}
	w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(d))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// verifyEnvelope runs the signed-request gate: parse, freshness, HMAC,
// replay. The response body stays generic on every failure; the reason only
// goes to the log and the metrics hook.
func (h *Handlers) verifyEnvelope(w http.ResponseWriter, r *http.Request, payload any) (signing.Envelope, bool) {
	ctx := r.Context()
	env, err := signing.ParseEnvelope(r)
	if err != nil {
		h.authFailure("missing")
		log.FromContext(ctx).Warn(ctx, "signed request missing headers", "path", r.URL.Path)
		http.Error(w, "bad request", http.StatusBadRequest)
		return env, false
	}

	err = h.Signer.VerifyEnvelope(env, payload, h.clock(), h.tolerance())
	switch {
	case errors.Is(err, signing.ErrStale):
		h.authFailure("stale")
		log.FromContext(ctx).Warn(ctx, "signed request outside freshness window",
			"check_id", env.CheckID, "timestamp_ms", env.TimestampMs)
		http.Error(w, "signature expired", http.StatusGone)
		return env, false
	case err != nil:
		h.authFailure("invalid")
		log.FromContext(ctx).Warn(ctx, "signed request failed verification", "check_id", env.CheckID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return env, false
	}

	if h.Nonces != nil {
		seen, err := h.Nonces.Seen(ctx, env.CheckID, env.Nonce)
		if err != nil {
			// store down: authentication fails closed
			h.authFailure("invalid")
			log.FromContext(ctx).Error(ctx, err, "nonce store unavailable, rejecting", "check_id", env.CheckID)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return env, false
		}
		if seen {
			h.authFailure("replay")
			log.FromContext(ctx).Warn(ctx, "replayed nonce rejected", "check_id", env.CheckID)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return env, false
		}
	}

	if h.OnVerified != nil {
		h.OnVerified()
	}
	return env, true
}

func (h *Handlers) authFailure(reason string) {
	if h.OnAuthFailure != nil {
		h.OnAuthFailure(reason)
	}
}

// recordAccess writes the audit row for this request. Best effort: the
// request outcome never depends on it.
func (h *Handlers) recordAccess(r *http.Request, actor string, datasets ...string) {
	if h.Audit == nil {
		return
	}
	ctx := r.Context()
	h.Audit.RecordBestEffort(ctx, audit.Entry{
		Actor:     actor,
		IP:        httpmw.ClientIPFromContext(ctx),
		UserAgent: r.UserAgent(),
		RequestID: httpmw.RequestIDFromContext(ctx),
		Datasets:  datasets,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a small JSON body. Unknown fields are rejected so typos
// in field names surface instead of silently dropping data.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// actorHash pseudonymizes an email for the audit trail; raw addresses only
// live in the leads table.
func actorHash(email string) string {
	return cryptoutil.SHA256Hex([]byte(strings.ToLower(strings.TrimSpace(email))))[:16]
}

func pingStore(ctx context.Context, ping func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ping(ctx); err != nil {
		return "unreachable"
	}
	return "ok"
}
