package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrNotLoggedIn is returned when an operation needs a session and none
	// is active or resumable.
	ErrNotLoggedIn = errors.New("replica: not logged in")

	// ErrSessionExpired is returned when the server rejected the stored
	// refresh token. The user must log in again.
	ErrSessionExpired = errors.New("replica: session expired")
)

// User is the account behind the active session, as the server reports it.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Permissions is the capability set the server derived from the user's role.
type Permissions struct {
	CanModerateChanges bool `json:"canModerateChanges"`
	CanEditForeignRows bool `json:"canEditForeignRows"`
	CanManageUsers     bool `json:"canManageUsers"`
}

// sessionPayload is the body of /auth/login and /auth/refresh responses.
type sessionPayload struct {
	User            User        `json:"user"`
	Permissions     Permissions `json:"permissions"`
	AccessToken     string      `json:"accessToken"`
	AccessExpiresAt int64       `json:"accessExpiresAt"`
	RefreshToken    string      `json:"refreshToken"`
	PollIntervalMs  int         `json:"pollIntervalMs"`
}

// accessSkewMs refreshes the access token this long before it expires, so a
// request never leaves with a token about to lapse mid-flight.
const accessSkewMs = 30_000

// Session holds the replica's credentials: a short-lived access token in
// memory and a rotating refresh token persisted in the local store, so a
// restarted client resumes without re-entering a password.
type Session struct {
	baseURL string
	client  *http.Client
	store   *Store
	now     func() int64

	mu              sync.Mutex
	user            *User
	permissions     Permissions
	accessToken     string
	accessExpiresAt int64
	refreshToken    string
}

// NewSession creates a session bound to the server and the local store.
func NewSession(baseURL string, store *Store, httpTimeout time.Duration) *Session {
	return &Session{
		baseURL: baseURL,
		client:  &http.Client{Timeout: httpTimeout},
		store:   store,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Login opens a session with username and password and persists the refresh
// token for later resumption.
func (s *Session) Login(ctx context.Context, username, password string) error {
	payload, err := s.post(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	return s.adopt(ctx, payload)
}

// Resume restores a session from the persisted refresh token. Returns
// ErrNotLoggedIn when none is stored.
func (s *Session) Resume(ctx context.Context) error {
	token, err := s.store.GetState(ctx, stateRefreshToken)
	if errors.Is(err, ErrNotFound) {
		return ErrNotLoggedIn
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.refreshToken = token
	s.mu.Unlock()
	return s.refresh(ctx)
}

// Logout revokes the refresh token family on the server and forgets the
// local session.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	token := s.refreshToken
	s.user = nil
	s.accessToken = ""
	s.accessExpiresAt = 0
	s.refreshToken = ""
	s.mu.Unlock()

	if err := s.store.ClearState(ctx, stateRefreshToken); err != nil {
		return err
	}
	if err := s.store.ClearState(ctx, stateUserJSON); err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	_, err := s.post(ctx, "/auth/logout", map[string]string{"refreshToken": token})
	if errors.Is(err, ErrSessionExpired) {
		// Already dead server-side; local logout suffices.
		return nil
	}
	return err
}

// AccessToken returns a live access token, refreshing through the rotation
// chain when the current one is about to expire.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.accessToken
	fresh := token != "" && s.accessExpiresAt > s.now()+accessSkewMs
	hasRefresh := s.refreshToken != ""
	s.mu.Unlock()

	if fresh {
		return token, nil
	}
	if !hasRefresh {
		return "", ErrNotLoggedIn
	}
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, nil
}

// User returns the account of the active session, or nil.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Permissions returns the capability set of the active session.
func (s *Session) Permissions() Permissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions
}

func (s *Session) refresh(ctx context.Context) error {
	s.mu.Lock()
	token := s.refreshToken
	s.mu.Unlock()
	if token == "" {
		return ErrNotLoggedIn
	}

	payload, err := s.post(ctx, "/auth/refresh", map[string]string{"refreshToken": token})
	if errors.Is(err, ErrSessionExpired) {
		// The rotation chain is dead; drop the stored token so the next
		// attempt fails fast into a fresh login.
		s.mu.Lock()
		s.refreshToken = ""
		s.mu.Unlock()
		_ = s.store.ClearState(ctx, stateRefreshToken)
		return ErrSessionExpired
	}
	if err != nil {
		return err
	}
	return s.adopt(ctx, payload)
}

// adopt installs a login/refresh response and persists the rotated refresh
// token.
func (s *Session) adopt(ctx context.Context, p *sessionPayload) error {
	s.mu.Lock()
	u := p.User
	s.user = &u
	s.permissions = p.Permissions
	s.accessToken = p.AccessToken
	s.accessExpiresAt = p.AccessExpiresAt
	s.refreshToken = p.RefreshToken
	s.mu.Unlock()

	if err := s.store.SetState(ctx, stateRefreshToken, p.RefreshToken); err != nil {
		return err
	}
	userJSON, err := json.Marshal(p.User)
	if err != nil {
		return fmt.Errorf("encode session user: %w", err)
	}
	return s.store.SetState(ctx, stateUserJSON, string(userJSON))
}

// post sends one auth request. A 401 maps to ErrSessionExpired; other
// non-2xx statuses surface with the server's problem detail.
func (s *Session) post(ctx context.Context, path string, body any) (*sessionPayload, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("auth request %s: status %d: %s", path, resp.StatusCode, detail)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	return &payload, nil
}
