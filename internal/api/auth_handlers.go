package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/overhaulhq/shopsync/internal/auth"
	"github.com/overhaulhq/shopsync/internal/types"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// okResponse is the body for endpoints that only acknowledge success.
type okResponse struct {
	OK bool `json:"ok"`
}

// sessionResponse is returned by login and refresh. The refresh token is
// plaintext here and never surfaced again.
type sessionResponse struct {
	OK              bool              `json:"ok"`
	User            *types.User       `json:"user"`
	Permissions     types.Permissions `json:"permissions"`
	AccessToken     string            `json:"accessToken"`
	AccessExpiresAt int64             `json:"accessExpiresAt"`
	RefreshToken    string            `json:"refreshToken"`
	PollIntervalMs  int               `json:"pollIntervalMs"`
}

func (h *Handler) sessionResponse(sess *auth.Session) sessionResponse {
	return sessionResponse{
		OK:              true,
		User:            sess.User,
		Permissions:     sess.Permissions,
		AccessToken:     sess.AccessToken,
		AccessExpiresAt: sess.AccessExpiresAt,
		RefreshToken:    sess.RefreshToken,
		PollIntervalMs:  h.limits.PollIntervalMs,
	}
}

// Login handles POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteProblem(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		WriteProblem(w, r, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		slog.Error("login failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	slog.Info("login",
		"component", "api",
		"action", "login",
		"user_id", sess.User.ID,
		"username", sess.User.Username,
		"role", sess.User.Role,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.sessionResponse(sess))
}

// Refresh handles POST /auth/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.RefreshToken == "" {
		WriteProblem(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}

	sess, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if errors.Is(err, auth.ErrInvalidSession) {
		WriteProblem(w, r, http.StatusUnauthorized, "Session is no longer valid, log in again")
		return
	}
	if err != nil {
		slog.Error("refresh failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.sessionResponse(sess))
}

// Logout handles POST /auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.RefreshToken == "" {
		WriteProblem(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}

	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		slog.Error("logout failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(okResponse{OK: true})
}
