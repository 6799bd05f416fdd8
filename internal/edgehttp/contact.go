package edgehttp

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/leads"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

const (
	maxNameLen    = 200
	maxCompanyLen = 200
	maxMessageLen = 5000
)

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Message string `json:"message"`
}

// Contact accepts a contact-form submission and stores it as a lead.
func (h *Handlers) Contact(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimit(w, r, h.ContactRule) {
		return
	}

	var req contactRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if msg := validateContact(req); msg != "" {
		http.Error(w, msg, http.StatusUnprocessableEntity)
		return
	}

	// the audit row records that the endpoint was exercised, not whether
	// the submission was ultimately accepted
	h.recordAccess(r, actorHash(req.Email), "leads")

	if leads.IsDisposableEmail(req.Email) {
		log.FromContext(r.Context()).Info(r.Context(), "contact rejected, disposable email domain")
		http.Error(w, "email domain not accepted", http.StatusUnprocessableEntity)
		return
	}

	id, err := h.Leads.Insert(r.Context(), leads.Lead{
		Kind:      "contact",
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Company:   strings.TrimSpace(req.Company),
		Message:   strings.TrimSpace(req.Message),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "lead insert failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.OnLeadRecorded != nil {
		h.OnLeadRecorded()
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func validateContact(req contactRequest) string {
	if strings.TrimSpace(req.Name) == "" || len(req.Name) > maxNameLen {
		return "invalid name"
	}
	if !validEmail(req.Email) {
		return "invalid email"
	}
	if len(req.Company) > maxCompanyLen {
		return "invalid company"
	}
	if strings.TrimSpace(req.Message) == "" || len(req.Message) > maxMessageLen {
		return "invalid message"
	}
	return ""
}

func validEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 320 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	// reject display-name forms; the form field is a bare address
	return err == nil && addr.Address == s
}
