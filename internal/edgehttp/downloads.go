package edgehttp

import (
	"errors"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/token"
)

// Download redeems a delivery token and streams the object. The token
// checks run in a fixed order: parse, expiry, signature. Nothing touches
// storage until all three pass.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimit(w, r, h.DownloadRule) {
		return
	}

	objectKey := chi.URLParam(r, "*")
	if !h.validateToken(w, r, objectKey) {
		return
	}

	// the redemption is audited whether or not the object fetch succeeds
	h.recordAccess(r, "", "downloads")

	ctx := r.Context()
	out, err := h.Objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.FromContext(ctx).Error(ctx, err, "object fetch failed", "key", objectKey)
		http.Error(w, "upstream storage error", http.StatusBadGateway)
		return
	}
	defer out.Body.Close()

	if h.OnTokenRedeemed != nil {
		h.OnTokenRedeemed()
	}

	if out.ContentType != nil {
		w.Header().Set("Content-Type", *out.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "private, no-store")
	if _, err := io.Copy(w, out.Body); err != nil {
		// client went away mid-stream; nothing to send at this point
		log.FromContext(ctx).Debug(ctx, "download stream interrupted", "key", objectKey, "err", err.Error())
	}
}

// validateToken maps the redemption error taxonomy onto status codes:
// malformed 400, expired 410, bad signature 401.
func (h *Handlers) validateToken(w http.ResponseWriter, r *http.Request, objectKey string) bool {
	err := token.Validate(h.Signer, objectKey, r.URL.Query(), h.clock())
	if err == nil {
		return true
	}
	ctx := r.Context()
	switch {
	case errors.Is(err, token.ErrExpired):
		h.tokenRejected("expired")
		log.FromContext(ctx).Info(ctx, "delivery token expired", "key", objectKey)
		http.Error(w, "link expired", http.StatusGone)
	case errors.Is(err, token.ErrInvalid):
		h.tokenRejected("invalid")
		log.FromContext(ctx).Warn(ctx, "delivery token signature rejected", "key", objectKey)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		h.tokenRejected("malformed")
		http.Error(w, "bad request", http.StatusBadRequest)
	}
	return false
}

func (h *Handlers) tokenRejected(reason string) {
	if h.OnTokenRejected != nil {
		h.OnTokenRejected(reason)
	}
}
