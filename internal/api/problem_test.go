package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/overhaulhq/shopsync/internal/ledger"
	"github.com/overhaulhq/shopsync/internal/store"
)

func TestWriteProblem_Shape(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/changes/42/apply", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusNotFound, "Resource not found")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Type != "https://shopsync.dev/errors/not-found" {
		t.Errorf("type = %q", p.Type)
	}
	if p.Title != "Not Found" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Status != http.StatusNotFound {
		t.Errorf("status = %d", p.Status)
	}
	if p.Detail != "Resource not found" {
		t.Errorf("detail = %q", p.Detail)
	}
	if p.Instance != "/changes/42/apply" {
		t.Errorf("instance = %q", p.Instance)
	}
}

// TestWriteProblem_UnmappedStatus verifies statuses outside the known set
// still produce a coherent problem document.
func TestWriteProblem_UnmappedStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusTeapot, "short and stout")

	p := decodeProblem(t, w)
	if p.Type != "https://shopsync.dev/errors/unknown" {
		t.Errorf("type = %q", p.Type)
	}
	if p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("title = %q", p.Title)
	}
}

func TestMapStoreError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "validation",
			err:        fmt.Errorf("%w: name is required", store.ErrValidation),
			wantStatus: http.StatusBadRequest,
			wantDetail: "name is required",
		},
		{
			name:       "unknown table",
			err:        fmt.Errorf("%w: widgets", store.ErrUnknownTable),
			wantStatus: http.StatusBadRequest,
			wantDetail: "widgets",
		},
		{
			name:       "forbidden",
			err:        store.ErrForbidden,
			wantStatus: http.StatusForbidden,
			wantDetail: "Not allowed to decide this change request",
		},
		{
			name:       "not found",
			err:        fmt.Errorf("change request 42: %w", store.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantDetail: "Resource not found",
		},
		{
			name:       "state conflict",
			err:        fmt.Errorf("%w: change request already decided", store.ErrStateConflict),
			wantStatus: http.StatusConflict,
			wantDetail: "already decided",
		},
		{
			name:       "ledger conflict",
			err:        ledger.ErrLedgerConflict,
			wantStatus: http.StatusServiceUnavailable,
			wantDetail: "Server busy, retry the request",
		},
		{
			name:       "internal",
			err:        errors.New("connection reset by peer"),
			wantStatus: http.StatusInternalServerError,
			wantDetail: "Internal Server Error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
			w := httptest.NewRecorder()

			MapStoreError(w, req, tc.err)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			p := decodeProblem(t, w)
			if !strings.Contains(p.Detail, tc.wantDetail) {
				t.Errorf("detail = %q, want it to contain %q", p.Detail, tc.wantDetail)
			}
		})
	}
}

// TestMapStoreError_NeverLeaksInternals verifies unexpected errors reach the
// client as a generic 500.
func TestMapStoreError_NeverLeaksInternals(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	w := httptest.NewRecorder()

	MapStoreError(w, req, errors.New("dsn=file:/var/lib/shopsync.db"))

	body := w.Body.String()
	if strings.Contains(body, "dsn=") {
		t.Errorf("internal error detail leaked: %s", body)
	}
}
