package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := RequestID("X-Request-Id")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("no request id in context")
	}
	if len(seen) != 32 {
		t.Fatalf("id length = %d, want 32 hex chars", len(seen))
	}
	if echo := rec.Header().Get("X-Request-Id"); echo != seen {
		t.Fatalf("response header = %q, context = %q", echo, seen)
	}
}

func TestRequestID_PropagatesExisting(t *testing.T) {
	var seen string
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "upstream-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "upstream-id" {
		t.Fatalf("context id = %q, want upstream-id", seen)
	}
	if echo := rec.Header().Get("X-Request-Id"); echo != "upstream-id" {
		t.Fatalf("response header = %q", echo)
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("id = %q, want empty", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("id after empty WithRequestID = %q", got)
	}
}
