package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecover_PanicBecomes500(t *testing.T) {
	root := &captureLogger{}
	panicked := 0
	h := Recover(root, func() { panicked++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/contact", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panicked != 1 {
		t.Fatalf("onPanic fired %d times, want 1", panicked)
	}
	if len(root.lines) != 1 {
		t.Fatalf("logged %d lines, want 1", len(root.lines))
	}
	if v, _ := kvValue(root.lines[0].kv, "url.path"); v != "/api/contact" {
		t.Fatalf("path = %v", v)
	}
}

func TestRecover_ErrorPanicKeepsError(t *testing.T) {
	root := &captureLogger{}
	sentinel := errors.New("db gone")
	h := Recover(root, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(sentinel)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(root.lines) != 1 {
		t.Fatalf("logged %d lines, want 1", len(root.lines))
	}
	v, ok := kvValue(root.lines[0].kv, "err")
	if !ok {
		t.Fatal("no err field logged")
	}
	err, _ := v.(error)
	if !errors.Is(err, sentinel) {
		t.Fatalf("logged err = %v, want chain containing %v", err, sentinel)
	}
}

func TestRecover_NoPanicPassesThrough(t *testing.T) {
	h := Recover(&captureLogger{}, func() { t.Fatal("onPanic fired without a panic") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
}
