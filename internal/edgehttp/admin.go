package edgehttp

import (
	"net/http"
	"strconv"

	"github.com/keithlinneman/linnemanlabs-edge/internal/leads"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

const (
	defaultLeadsLimit = 50
	maxLeadsLimit     = 200
)

type adminLeadsResponse struct {
	Leads []leads.Lead `json:"leads"`
	Count int          `json:"count"`
}

// AdminLeads returns recent lead submissions to internal tooling. Only the
// admin check id may call it, with the same envelope flow as the probe.
func (h *Handlers) AdminLeads(w http.ResponseWriter, r *http.Request) {
	env, ok := h.verifyEnvelope(w, r, nil)
	if !ok {
		return
	}
	if env.CheckID != AdminCheckID {
		h.authFailure("invalid")
		log.FromContext(r.Context()).Warn(r.Context(), "lead viewer called with non-admin check id",
			"check_id", env.CheckID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultLeadsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if n > maxLeadsLimit {
			n = maxLeadsLimit
		}
		limit = n
	}

	h.recordAccess(r, env.CheckID, "leads")

	rows, err := h.Leads.Recent(r.Context(), limit)
	if err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "lead query failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, adminLeadsResponse{Leads: rows, Count: len(rows)})
}
