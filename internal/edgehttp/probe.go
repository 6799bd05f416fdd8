package edgehttp

import (
	"net/http"
	"time"
)

type probeResponse struct {
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
	KVStore string    `json:"kv_store"`
	AuditDB string    `json:"audit_db"`
}

// Probe answers synthetic monitoring checks. The caller authenticates with
// the full signed envelope; the body reports backing-store reachability so
// the check can alert on degradation before users see it.
func (h *Handlers) Probe(w http.ResponseWriter, r *http.Request) {
	env, ok := h.verifyEnvelope(w, r, nil)
	if !ok {
		return
	}

	h.recordAccess(r, env.CheckID, "probe")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	resp := probeResponse{
		Status:  "ok",
		Time:    h.clock().UTC(),
		KVStore: pingStore(r.Context(), h.Store.Ping),
		AuditDB: pingStore(r.Context(), h.Audit.Ping),
	}
	if resp.KVStore != "ok" || resp.AuditDB != "ok" {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
