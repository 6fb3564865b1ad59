package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/overhaulhq/shopsync/internal/auth"
	"github.com/overhaulhq/shopsync/internal/types"
)

func testIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer([]byte("access-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return issuer
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", ""},
		{"bearer token", "Bearer abc123", "abc123"},
		{"lowercase scheme rejected", "bearer abc123", ""},
		{"wrong scheme", "Token abc123", ""},
		{"empty token", "Bearer ", ""},
		{"padded token", "Bearer   abc123", "abc123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := extractBearerToken(req); got != tc.want {
				t.Errorf("extractBearerToken() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	issuer := testIssuer(t)
	token, _, err := issuer.MintAccessToken(&types.User{ID: "u-1", Username: "karpov", Role: types.RoleUser})
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}

	var got types.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = MustActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	AuthMiddleware(issuer)(next).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if got.UserID != "u-1" || got.Username != "karpov" || got.Role != types.RoleUser {
		t.Errorf("unexpected actor: %+v", got)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without a token")
	})

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	w := httptest.NewRecorder()
	AuthMiddleware(testIssuer(t))(next).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Detail != "Missing access token" {
		t.Errorf("detail = %q", p.Detail)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run with a bad token")
	})

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	w := httptest.NewRecorder()
	AuthMiddleware(testIssuer(t))(next).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Detail != "Invalid or expired access token" {
		t.Errorf("detail = %q", p.Detail)
	}
}

// TestAuthMiddleware_WrongSecret verifies a token minted under another secret
// is rejected.
func TestAuthMiddleware_WrongSecret(t *testing.T) {
	other, err := auth.NewTokenIssuer([]byte("someone-elses-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, _, err := other.MintAccessToken(&types.User{ID: "u-1", Username: "karpov", Role: types.RoleUser})
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run with a foreign token")
	})

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	AuthMiddleware(testIssuer(t))(next).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRecoveryMiddleware_PanicBecomesProblem(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom: secret internals")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	RecoveryMiddleware(next).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "secret internals") {
		t.Error("panic detail leaked into the response")
	}
	var p Problem
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %q", p.Detail)
	}
}

func TestLoggingMiddleware_PreservesStatus(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	LoggingMiddleware(next).ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("expected status to pass through, got %d", w.Code)
	}
}
