package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/overhaulhq/shopsync/internal/types"
)

// ErrInvalidToken is returned when an access token fails to parse or verify.
var ErrInvalidToken = errors.New("invalid access token")

// TokenIssuer mints and verifies HS256 access tokens.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. The secret signs every access token;
// accessTTL bounds their lifetime.
func NewTokenIssuer(secret []byte, accessTTL time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: access token secret is required")
	}
	if accessTTL <= 0 {
		return nil, errors.New("auth: access token ttl must be positive")
	}
	return &TokenIssuer{secret: secret, accessTTL: accessTTL, now: time.Now}, nil
}

// MintAccessToken issues a signed access token for u. Returns the token and
// its expiry as milliseconds since epoch.
func (i *TokenIssuer) MintAccessToken(u *types.User) (string, int64, error) {
	now := i.now()
	expiresAt := now.Add(i.accessTTL)

	claims := jwt.MapClaims{
		"sub":      u.ID,
		"username": u.Username,
		"role":     string(u.Role),
		"iat":      now.Unix(),
		"exp":      expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}
	return token, expiresAt.UnixMilli(), nil
}

// ParseAccessToken verifies token and returns the actor it identifies.
func (i *TokenIssuer) ParseAccessToken(token string) (types.Actor, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return types.Actor{}, ErrInvalidToken
	}

	actor := types.Actor{}
	if sub, ok := claims["sub"].(string); ok {
		actor.UserID = sub
	}
	if username, ok := claims["username"].(string); ok {
		actor.Username = username
	}
	if role, ok := claims["role"].(string); ok {
		actor.Role = types.Role(role)
	}
	if actor.UserID == "" || !types.ValidRole(actor.Role) {
		return types.Actor{}, ErrInvalidToken
	}
	return actor, nil
}

// NewRefreshToken generates an opaque refresh token. Only its hash is ever
// stored.
func NewRefreshToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("random refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashRefreshToken returns the storable hash of a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
