// Package auth issues sessions for the desktop client and browser admin:
// Argon2id password verification, short-lived HS256 access tokens, and
// rotating opaque refresh tokens grouped into revocable families.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/overhaulhq/shopsync/internal/store"
	"github.com/overhaulhq/shopsync/internal/types"
)

var (
	// ErrInvalidCredentials is returned by Login for a bad username or
	// password. Deliberately indistinguishable between the two.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidSession is returned by Refresh when the presented token is
	// unknown, expired, revoked or replayed. The client must log in again.
	ErrInvalidSession = errors.New("invalid session")
)

// Store is the account and session state the service reads and writes.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	InsertRefreshToken(ctx context.Context, t *types.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*types.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldID string, replacement *types.RefreshToken) error
	RevokeTokenFamily(ctx context.Context, familyID string) (int64, error)
}

// Session is the result of a successful login or refresh. RefreshToken is
// the plaintext token, surfaced exactly once.
type Session struct {
	User            *types.User
	Permissions     types.Permissions
	AccessToken     string
	AccessExpiresAt int64
	RefreshToken    string
}

// Service authenticates users and manages refresh token rotation.
type Service struct {
	store      Store
	tokens     *TokenIssuer
	refreshTTL time.Duration
	now        func() int64
}

// NewService creates the auth service. refreshTTL bounds the lifetime of
// each refresh token; the lifetime slides forward on every rotation.
func NewService(st Store, tokens *TokenIssuer, refreshTTL time.Duration) (*Service, error) {
	if refreshTTL <= 0 {
		return nil, errors.New("auth: refresh token ttl must be positive")
	}
	return &Service{
		store:      st,
		tokens:     tokens,
		refreshTTL: refreshTTL,
		now:        func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Login verifies the credentials and opens a new session with a fresh token
// family.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	ok, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	refresh, plain, err := s.buildRefreshToken(u.ID, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return s.session(u, plain)
}

// Refresh exchanges a live refresh token for a new access token and a
// rotated refresh token. Presenting an already-rotated token is treated as
// replay and revokes the entire family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	t, err := s.store.GetRefreshTokenByHash(ctx, HashRefreshToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}

	if t.RevokedAt != nil {
		s.revokeFamily(ctx, t.FamilyID, "rotated token replayed")
		return nil, ErrInvalidSession
	}
	if t.ExpiresAt <= s.now() {
		return nil, ErrInvalidSession
	}

	u, err := s.store.GetUser(ctx, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if u.DeletedAt != nil {
		s.revokeFamily(ctx, t.FamilyID, "account deactivated")
		return nil, ErrInvalidSession
	}

	replacement, plain, err := s.buildRefreshToken(u.ID, t.FamilyID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, t.ID, replacement); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Someone rotated this token between our read and write.
			s.revokeFamily(ctx, t.FamilyID, "concurrent rotation")
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	return s.session(u, plain)
}

// Logout revokes the whole token family of the presented refresh token.
// Unknown tokens are ignored so logout is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	t, err := s.store.GetRefreshTokenByHash(ctx, HashRefreshToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	if _, err := s.store.RevokeTokenFamily(ctx, t.FamilyID); err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

func (s *Service) buildRefreshToken(userID, familyID string) (*types.RefreshToken, string, error) {
	plain, err := NewRefreshToken()
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	return &types.RefreshToken{
		ID:        ulid.Make().String(),
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: HashRefreshToken(plain),
		ExpiresAt: now + s.refreshTTL.Milliseconds(),
		CreatedAt: now,
	}, plain, nil
}

func (s *Service) session(u *types.User, refreshPlain string) (*Session, error) {
	access, expiresAt, err := s.tokens.MintAccessToken(u)
	if err != nil {
		return nil, err
	}
	return &Session{
		User:            u,
		Permissions:     types.PermissionsFor(u.Role),
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
		RefreshToken:    refreshPlain,
	}, nil
}

func (s *Service) revokeFamily(ctx context.Context, familyID, reason string) {
	n, err := s.store.RevokeTokenFamily(ctx, familyID)
	if err != nil {
		slog.Error("failed to revoke token family",
			"component", "auth",
			"family_id", familyID,
			"error", err,
		)
		return
	}
	slog.Warn("token family revoked",
		"component", "auth",
		"family_id", familyID,
		"reason", reason,
		"revoked", n,
	)
}
