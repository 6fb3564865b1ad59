package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/overhaulhq/shopsync/internal/types"
)

const userColumns = `id, username, password_hash, role, created_at, updated_at, deleted_at`

func scanUser(scanner interface{ Scan(...any) error }) (*types.User, error) {
	var u types.User
	var deletedAt sql.NullInt64
	err := scanner.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role,
		&u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Int64
	}
	return &u, nil
}

// CreateUser creates a server account. Usernames are unique among live users.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string, role types.Role) (*types.User, error) {
	if !types.ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q: %w", role, ErrValidation)
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE username = ? AND deleted_at IS NULL`, username).Scan(&one)
	if err == nil {
		return nil, fmt.Errorf("username %q already in use: %w", username, ErrStateConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check username: %w", err)
	}

	now := s.now()
	u := &types.User{
		ID:           ulid.Make().String(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.PasswordHash, string(u.Role), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUser loads a user by id, including soft-deleted accounts so historical
// actors still resolve.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetUserByUsername loads a live user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? AND deleted_at IS NULL`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

const refreshTokenColumns = `id, user_id, family_id, token_hash, expires_at, created_at, revoked_at, replaced_by`

func scanRefreshToken(scanner interface{ Scan(...any) error }) (*types.RefreshToken, error) {
	var t types.RefreshToken
	var revokedAt sql.NullInt64
	var replacedBy sql.NullString
	err := scanner.Scan(&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash,
		&t.ExpiresAt, &t.CreatedAt, &revokedAt, &replacedBy)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Int64
	}
	if replacedBy.Valid {
		t.ReplacedBy = &replacedBy.String
	}
	return &t, nil
}

// InsertRefreshToken stores a new (hashed) refresh token.
func (s *SQLiteStore) InsertRefreshToken(ctx context.Context, t *types.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.FamilyID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash loads a refresh token by its hash.
func (s *SQLiteStore) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*types.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	t, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refresh token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}
	return t, nil
}

// RotateRefreshToken revokes the old token and stores its replacement
// atomically. The replacement carries the same family id.
func (s *SQLiteStore) RotateRefreshToken(ctx context.Context, oldID string, replacement *types.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = ?, replaced_by = ?
		WHERE id = ? AND revoked_at IS NULL
	`, s.now(), replacement.ID, oldID)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("refresh token already rotated: %w", ErrStateConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, replacement.ID, replacement.UserID, replacement.FamilyID, replacement.TokenHash,
		replacement.ExpiresAt, replacement.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert replacement token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token rotation: %w", err)
	}
	return nil
}

// RevokeTokenFamily revokes every live token in a rotation family. Used on
// logout and when a rotated token is replayed.
func (s *SQLiteStore) RevokeTokenFamily(ctx context.Context, familyID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE family_id = ? AND revoked_at IS NULL
	`, s.now(), familyID)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredRefreshTokens removes tokens past their expiry. Returns the
// number deleted.
func (s *SQLiteStore) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < ?
	`, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}
