package edgehttp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/preview"
	"github.com/keithlinneman/linnemanlabs-edge/internal/token"
)

// OGImage serves signed social-preview images. The guard validates the
// URL's expiry and signature before any cache read; a miss renders through
// the injected renderer and the result stays cached until the URL expires.
func (h *Handlers) OGImage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	objectKey := "og/" + slug + ".png"

	body, err := h.Guard.Serve(r.Context(), objectKey, r.URL, func(ctx context.Context) ([]byte, error) {
		start := time.Now()
		png, err := h.Renderer.Render(ctx, preview.Spec{Slug: slug, Title: slugTitle(slug)})
		if err == nil && h.OnPreviewRender != nil {
			h.OnPreviewRender(time.Since(start).Seconds())
		}
		return png, err
	})
	if err != nil {
		ctx := r.Context()
		switch {
		case errors.Is(err, token.ErrExpired):
			h.tokenRejected("expired")
			http.Error(w, "link expired", http.StatusGone)
		case errors.Is(err, token.ErrInvalid):
			h.tokenRejected("invalid")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, token.ErrMalformed):
			h.tokenRejected("malformed")
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			log.FromContext(ctx).Error(ctx, err, "preview render failed", "slug", slug)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	// audited on every successful redemption, cache hit or render
	h.recordAccess(r, "", "previews")

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = w.Write(body)
}

func slugTitle(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
