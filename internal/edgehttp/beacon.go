package edgehttp

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-edge/internal/leads"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

const maxBeaconEvents = 20

type beaconRequest struct {
	Events []leads.Event `json:"events"`
}

// Beacon ingests a small batch of page analytics events. The sender is
// pseudonymized to an IP hash; no identifier from the browser is stored.
func (h *Handlers) Beacon(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimit(w, r, h.BeaconRule) {
		return
	}

	var req beaconRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxBeaconEvents {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	for _, ev := range req.Events {
		if strings.TrimSpace(ev.Name) == "" || len(ev.Name) > 100 || len(ev.Path) > 500 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}

	ipHash := actorHash(httpmw.ClientIPFromContext(r.Context()))
	if err := h.Leads.AppendEvents(r.Context(), ipHash, req.Events); err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "beacon append failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
