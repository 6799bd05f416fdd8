package log

import (
	"context"
	"log/slog"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	l, err := New(Options{App: "edge-test", Level: slog.LevelInfo})
	if err != nil {
		t.Fatal(err)
	}
	ctx := WithContext(context.Background(), l)
	if got := FromContext(ctx); got != l {
		t.Fatalf("FromContext = %v, want the stored logger", got)
	}
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	// a bare context must still yield a usable logger
	l := FromContext(context.Background())
	if l == nil {
		t.Fatal("FromContext returned nil")
	}
	l.Info(context.Background(), "must not panic")
	l.Error(context.Background(), nil, "must not panic either")
}
