package types

import "encoding/json"

// Role is the permission tier of a user account.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// RoleLevel maps roles onto an ordered scale for comparisons.
func RoleLevel(r Role) int {
	switch r {
	case RoleSuperadmin:
		return 3
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return RoleLevel(r) > 0
}

// Op classifies a replicated change.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// SyncStatus is the replication state of a local row.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Actor identifies the authenticated user performing a change.
// The field names match the ledger entry layout on the wire.
type Actor struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// User is a server account.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	DeletedAt    *int64 `json:"deletedAt,omitempty"`
}

// Permissions is the capability set derived from a role, returned at login
// for the desktop client and browser admin.
type Permissions struct {
	CanModerateChanges bool `json:"canModerateChanges"`
	CanEditForeignRows bool `json:"canEditForeignRows"`
	CanManageUsers     bool `json:"canManageUsers"`
}

// PermissionsFor derives the capability set for a role.
func PermissionsFor(r Role) Permissions {
	level := RoleLevel(r)
	return Permissions{
		CanModerateChanges: level >= RoleLevel(RoleAdmin),
		CanEditForeignRows: level >= RoleLevel(RoleAdmin),
		CanManageUsers:     level >= RoleLevel(RoleSuperadmin),
	}
}

// RefreshToken is a stored, hashed refresh token. Tokens rotate on every use;
// FamilyID groups a rotation chain so logout (or replay of a rotated token)
// revokes the whole family.
type RefreshToken struct {
	ID         string
	UserID     string
	FamilyID   string
	TokenHash  string
	ExpiresAt  int64
	CreatedAt  int64
	RevokedAt  *int64
	ReplacedBy *string
}

// RowOwner records the custodian of a replicated row. Created once when the
// row first appears; never updated.
type RowOwner struct {
	TableName string `json:"tableName"`
	RowID     string `json:"rowId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"createdAt"`
}

// ChangeRequestStatus is the moderation state of a proposed change.
type ChangeRequestStatus string

const (
	ChangeRequestPending  ChangeRequestStatus = "pending"
	ChangeRequestApplied  ChangeRequestStatus = "applied"
	ChangeRequestRejected ChangeRequestStatus = "rejected"
)

// ChangeRequest is a proposed edit to a row owned by another user, held for
// moderation. BeforeJSON is nil when the proposal would create the row.
type ChangeRequest struct {
	ID              string              `json:"id"`
	TableName       string              `json:"tableName"`
	RowID           string              `json:"rowId"`
	BeforeJSON      json.RawMessage     `json:"beforeJson"`
	AfterJSON       json.RawMessage     `json:"afterJson"`
	ChangeAuthorID  string              `json:"changeAuthorId"`
	ChangeAuthor    string              `json:"changeAuthor"`
	RecordOwnerID   string              `json:"recordOwnerId"`
	RecordOwner     string              `json:"recordOwner"`
	Status          ChangeRequestStatus `json:"status"`
	DecidedByID     *string             `json:"decidedById,omitempty"`
	DecidedBy       *string             `json:"decidedBy,omitempty"`
	DecidedAt       *int64              `json:"decidedAt,omitempty"`
	Note            string              `json:"note,omitempty"`
	CreatedAt       int64               `json:"createdAt"`
	Label           string              `json:"label,omitempty"`
}

// Terminal reports whether the request has been decided.
func (c *ChangeRequest) Terminal() bool {
	return c.Status == ChangeRequestApplied || c.Status == ChangeRequestRejected
}

// LedgerEntry is one immutable record in the hash-chained ledger. Row holds
// the canonical wire-form row the change produced.
type LedgerEntry struct {
	Seq      uint64          `json:"seq"`
	TS       int64           `json:"ts"`
	Op       Op              `json:"op"`
	Table    string          `json:"table"`
	RowID    string          `json:"row_id"`
	Row      json.RawMessage `json:"row"`
	Actor    Actor           `json:"actor"`
	PrevHash string          `json:"prev_hash"`
	TxHash   string          `json:"tx_hash"`
	Sig      string          `json:"sig"`
}

// Checkpoint attests that the ledger up to LastSeq folds to Digest.
type Checkpoint struct {
	LastSeq   uint64 `json:"last_seq"`
	Digest    string `json:"digest"`
	CreatedAt int64  `json:"created_at"`
	Sig       string `json:"sig"`
}

// ChangeLogRow is one row of the outbound pull feed.
type ChangeLogRow struct {
	ServerSeq   uint64          `json:"server_seq"`
	TableName   string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          Op              `json:"op"`
	PayloadJSON json.RawMessage `json:"payload"`
	CreatedAt   int64           `json:"created_at"`
}
