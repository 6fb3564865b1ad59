package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/overhaulhq/shopsync/internal/types"
)

func testUser() *types.User {
	return &types.User{
		ID:       "u-1",
		Username: "karpov",
		Role:     types.RoleUser,
	}
}

func TestMintAccessToken_ParsesBackToActor(t *testing.T) {
	// Given an issuer and a user
	issuer, err := NewTokenIssuer([]byte("access-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	// When minting and parsing a token
	token, expiresAt, err := issuer.MintAccessToken(testUser())
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}
	actor, err := issuer.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}

	// Then the actor round-trips and the expiry is in the future
	if actor.UserID != "u-1" || actor.Username != "karpov" || actor.Role != types.RoleUser {
		t.Errorf("unexpected actor: %+v", actor)
	}
	if expiresAt <= time.Now().UnixMilli() {
		t.Errorf("expected future expiry, got %d", expiresAt)
	}
}

func TestParseAccessToken_WrongSecret(t *testing.T) {
	// Given a token minted with one secret
	minter, _ := NewTokenIssuer([]byte("secret-a"), 15*time.Minute)
	token, _, err := minter.MintAccessToken(testUser())
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}

	// When parsing with a different secret
	verifier, _ := NewTokenIssuer([]byte("secret-b"), 15*time.Minute)
	_, err = verifier.ParseAccessToken(token)

	// Then verification fails
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	// Given a token minted at a fixed instant
	issuer, _ := NewTokenIssuer([]byte("access-secret"), 15*time.Minute)
	minted := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return minted }

	token, _, err := issuer.MintAccessToken(testUser())
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}

	// When the clock moves past the ttl
	issuer.now = func() time.Time { return minted.Add(16 * time.Minute) }
	_, err = issuer.ParseAccessToken(token)

	// Then the token no longer verifies
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseAccessToken_Garbage(t *testing.T) {
	issuer, _ := NewTokenIssuer([]byte("access-secret"), 15*time.Minute)
	if _, err := issuer.ParseAccessToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseAccessToken_UnknownRoleRejected(t *testing.T) {
	// Given a correctly signed token carrying a role the server does not know
	secret := []byte("access-secret")
	claims := jwt.MapClaims{
		"sub":      "u-1",
		"username": "karpov",
		"role":     "intern",
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// When parsing it
	issuer, _ := NewTokenIssuer(secret, 15*time.Minute)
	_, err = issuer.ParseAccessToken(token)

	// Then the token is rejected despite the valid signature
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseAccessToken_MissingSubjectRejected(t *testing.T) {
	secret := []byte("access-secret")
	claims := jwt.MapClaims{
		"username": "karpov",
		"role":     "user",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	issuer, _ := NewTokenIssuer(secret, 15*time.Minute)
	if _, err := issuer.ParseAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewTokenIssuer_RequiresSecretAndTTL(t *testing.T) {
	if _, err := NewTokenIssuer(nil, time.Minute); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewTokenIssuer([]byte("secret"), 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestNewRefreshToken_UniqueAndOpaque(t *testing.T) {
	// Given two freshly generated tokens
	first, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	second, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}

	// Then they differ and hash deterministically
	if first == second {
		t.Error("expected distinct refresh tokens")
	}
	if HashRefreshToken(first) != HashRefreshToken(first) {
		t.Error("expected stable hash for the same token")
	}
	if HashRefreshToken(first) == HashRefreshToken(second) {
		t.Error("expected different hashes for different tokens")
	}
	if len(HashRefreshToken(first)) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(HashRefreshToken(first)))
	}
}
