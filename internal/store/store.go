package store

import (
	"context"
	"time"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
)

// Store is the contract the HTTP layer and workers program against. The
// replicated-data methods are transactional: a push either lands fully,
// with its ledger entries and change log rows, or not at all.
type Store interface {
	// Sync protocol.
	ApplySyncChanges(ctx context.Context, actor types.Actor, req *shopsync.PushRequest) (*shopsync.PushResponse, error)
	ChangesSince(ctx context.Context, cursor uint64, limit int) (*shopsync.PullResponse, error)
	LatestSequence(ctx context.Context) (uint64, error)

	// Change request moderation.
	GetChangeRequest(ctx context.Context, id string) (*types.ChangeRequest, error)
	ListChangeRequests(ctx context.Context, status types.ChangeRequestStatus, limit int, includeNoise bool) ([]types.ChangeRequest, error)
	ApplyChangeRequest(ctx context.Context, id string, actor types.Actor, note string) (*types.ChangeRequest, error)
	RejectChangeRequest(ctx context.Context, id string, actor types.Actor, note string) (*types.ChangeRequest, error)
	ResolveEntityLabel(ctx context.Context, entityID string) (string, error)

	// Accounts and sessions.
	CreateUser(ctx context.Context, username, passwordHash string, role types.Role) (*types.User, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	InsertRefreshToken(ctx context.Context, t *types.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*types.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldID string, replacement *types.RefreshToken) error
	RevokeTokenFamily(ctx context.Context, familyID string) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context) (int64, error)

	// Push replay protection.
	CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error)
	RecordPushIdempotency(ctx context.Context, pushID, clientID string, response []byte, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)

	// Sync metadata.
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error

	// Ledger operations.
	VerifyLedger(ctx context.Context) (bool, uint64, error)
	LedgerCheckpoint(ctx context.Context) (types.Checkpoint, bool, error)
	RebuildTxIndex(ctx context.Context) (int64, error)
	ReplayLedger(ctx context.Context) (*ReplayResult, error)

	// Snapshots and lifecycle.
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	Health(ctx context.Context) error
	Close() error
}
