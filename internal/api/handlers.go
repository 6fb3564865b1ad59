// Package api exposes the sync server over HTTP: session endpoints for the
// desktop client and browser admin, the push/pull sync protocol, and the
// change request moderation surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/overhaulhq/shopsync/internal/auth"
	"github.com/overhaulhq/shopsync/internal/store"
)

// Limits carries the request caps the handlers enforce.
type Limits struct {
	PushMaxTotal    int
	PushMaxPerTable int
	PullLimit       int
	PollIntervalMs  int
}

// Handler implements the API handlers
type Handler struct {
	store          store.Store
	auth           *auth.Service
	issuer         *auth.TokenIssuer
	limits         Limits
	allowedOrigins []string
	version        string
}

// NewHandler creates a new Handler over the store and auth service.
func NewHandler(s store.Store, authSvc *auth.Service, issuer *auth.TokenIssuer, limits Limits, allowedOrigins []string, version string) *Handler {
	return &Handler{
		store:          s,
		auth:           authSvc,
		issuer:         issuer,
		limits:         limits,
		allowedOrigins: allowedOrigins,
		version:        version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Storage unavailable")
		return
	}

	latest, err := h.store.LatestSequence(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := struct {
		Status         string `json:"status"`
		Time           int64  `json:"time"`
		Version        string `json:"version"`
		LatestSeq      uint64 `json:"latestSeq"`
		PollIntervalMs int    `json:"pollIntervalMs"`
	}{
		Status:         "healthy",
		Time:           time.Now().UnixMilli(),
		Version:        h.version,
		LatestSeq:      latest,
		PollIntervalMs: h.limits.PollIntervalMs,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
