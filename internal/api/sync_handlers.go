package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
)

// SyncPush handles POST /sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	actor := MustActorFromContext(ctx)

	// 1. Parse request
	var req shopsync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate request structure and size caps
	if err := h.validatePushRequest(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 3. Apply. Idempotency replay, admission, merge, ledger append and
	// change log rows all happen inside the store transaction.
	resp, err := h.store.ApplySyncChanges(ctx, actor, &req)
	if err != nil {
		slog.Error("push transaction failed",
			"component", "api",
			"action", "sync_push_failed",
			"client_id", req.ClientID,
			"push_id", req.PushID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	// 4. Return response
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"client_id", req.ClientID,
		"push_id", req.PushID,
		"actor", actor.Username,
		"applied", resp.Applied,
		"row_errors", len(resp.Errors),
		"deflected", len(resp.Deflected),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// validatePushRequest validates the push request structure and caps.
func (h *Handler) validatePushRequest(req *shopsync.PushRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(req.Upserts) == 0 {
		return fmt.Errorf("upserts array is required")
	}

	total := 0
	for _, pack := range req.Upserts {
		if pack.Table == "" {
			return fmt.Errorf("table name is required in every pack")
		}
		if len(pack.Rows) > h.limits.PushMaxPerTable {
			return fmt.Errorf("table %s exceeds maximum of %d rows per push", pack.Table, h.limits.PushMaxPerTable)
		}
		total += len(pack.Rows)
	}
	if total > h.limits.PushMaxTotal {
		return fmt.Errorf("push exceeds maximum of %d rows", h.limits.PushMaxTotal)
	}
	return nil
}

// SyncPull handles GET /sync/pull
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	cursor, limit, err := parsePullRequest(r, h.limits.PullLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.store.ChangesSince(ctx, cursor, limit)
	if err != nil {
		slog.Error("pull query failed",
			"component", "api",
			"action", "sync_pull_failed",
			"cursor", cursor,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("pull served",
		"component", "api",
		"action", "sync_pull",
		"cursor", cursor,
		"limit", limit,
		"tables", len(resp.Changes),
		"next_cursor", resp.NextCursor,
		"has_more", resp.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// parsePullRequest extracts and validates query parameters for GET /sync/pull.
// A missing cursor means "from the beginning"; the limit is clamped to the
// configured window.
func parsePullRequest(r *http.Request, maxLimit int) (uint64, int, error) {
	var cursor uint64
	if s := r.URL.Query().Get("cursor"); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid cursor: %q", s)
		}
		cursor = parsed
	}

	limit := maxLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("invalid limit: %q", s)
		}
		if parsed < limit {
			limit = parsed
		}
	}

	return cursor, limit, nil
}
