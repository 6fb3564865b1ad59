package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/overhaulhq/shopsync/internal/types"
)

const (
	// defaultChangesLimit is the page size for GET /changes.
	defaultChangesLimit = 100
	// maxChangesLimit caps the page size for GET /changes.
	maxChangesLimit = 500
)

type decideRequest struct {
	Note string `json:"note"`
}

type changesResponse struct {
	OK      bool                  `json:"ok"`
	Changes []types.ChangeRequest `json:"changes"`
}

// decideResponse acknowledges a moderation decision with the decided request
// flattened alongside the ok flag.
type decideResponse struct {
	OK bool `json:"ok"`
	*types.ChangeRequest
}

// ListChanges handles GET /changes
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := types.ChangeRequestStatus(q.Get("status"))
	switch status {
	case "", types.ChangeRequestPending, types.ChangeRequestApplied, types.ChangeRequestRejected:
	default:
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("invalid status: %q", status))
		return
	}

	limit := defaultChangesLimit
	if s := q.Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", s))
			return
		}
		limit = parsed
		if limit > maxChangesLimit {
			limit = maxChangesLimit
		}
	}

	includeNoise := q.Get("includeNoise") == "true" || q.Get("includeNoise") == "1"

	changes, err := h.store.ListChangeRequests(r.Context(), status, limit, includeNoise)
	if err != nil {
		slog.Error("list change requests failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(changesResponse{OK: true, Changes: changes})
}

// ApplyChange handles POST /changes/{id}/apply
func (h *Handler) ApplyChange(w http.ResponseWriter, r *http.Request) {
	h.decideChange(w, r, "apply", h.store.ApplyChangeRequest)
}

// RejectChange handles POST /changes/{id}/reject
func (h *Handler) RejectChange(w http.ResponseWriter, r *http.Request) {
	h.decideChange(w, r, "reject", h.store.RejectChangeRequest)
}

type decideFunc func(ctx context.Context, id string, actor types.Actor, note string) (*types.ChangeRequest, error)

func (h *Handler) decideChange(w http.ResponseWriter, r *http.Request, action string, decide decideFunc) {
	start := time.Now()
	ctx := r.Context()
	actor := MustActorFromContext(ctx)
	id := chi.URLParam(r, "id")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	cr, err := decide(ctx, id, actor, req.Note)
	if err != nil {
		slog.Warn("change request decision failed",
			"component", "api",
			"action", action,
			"change_request_id", id,
			"actor", actor.Username,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("change request decided",
		"component", "api",
		"action", action,
		"change_request_id", id,
		"table", cr.TableName,
		"row_id", cr.RowID,
		"actor", actor.Username,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decideResponse{OK: true, ChangeRequest: cr})
}
