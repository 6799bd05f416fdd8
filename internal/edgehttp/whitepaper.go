package edgehttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/leads"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

type whitepaperRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Company  string `json:"company,omitempty"`
	Document string `json:"document"`
}

type whitepaperResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DefaultTokenTTL is how long issued delivery URLs stay valid when the
// caller does not configure one.
const DefaultTokenTTL = 15 * time.Minute

// Whitepaper records the lead and answers with a signed, time-boxed
// delivery URL for the requested document.
func (h *Handlers) Whitepaper(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimit(w, r, h.WhitepaperRule) {
		return
	}

	var req whitepaperRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" || len(req.Name) > maxNameLen {
		http.Error(w, "invalid name", http.StatusUnprocessableEntity)
		return
	}
	if !validEmail(req.Email) {
		http.Error(w, "invalid email", http.StatusUnprocessableEntity)
		return
	}

	h.recordAccess(r, actorHash(req.Email), "leads", "downloads")

	if leads.IsDisposableEmail(req.Email) {
		http.Error(w, "email domain not accepted", http.StatusUnprocessableEntity)
		return
	}
	if _, ok := h.Whitepapers[req.Document]; !ok {
		http.Error(w, "unknown document", http.StatusNotFound)
		return
	}

	if _, err := h.Leads.Insert(r.Context(), leads.Lead{
		Kind:      "whitepaper",
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Company:   strings.TrimSpace(req.Company),
		Document:  req.Document,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "whitepaper lead insert failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.OnLeadRecorded != nil {
		h.OnLeadRecorded()
	}

	tok, err := h.Issuer.Issue(req.Document, h.tokenTTL())
	if err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "token issue failed", "document", req.Document)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.OnTokenIssued != nil {
		h.OnTokenIssued()
	}

	writeJSON(w, http.StatusOK, whitepaperResponse{URL: tok.URL, ExpiresAt: tok.ExpiresAt})
}

func (h *Handlers) tokenTTL() time.Duration {
	if h.TokenTTL > 0 {
		return h.TokenTTL
	}
	return DefaultTokenTTL
}
