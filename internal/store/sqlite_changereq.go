package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/overhaulhq/shopsync/internal/gate"
	"github.com/overhaulhq/shopsync/internal/ledger"
	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
	"github.com/overhaulhq/shopsync/internal/validation"
)

const changeRequestColumns = `
	id, table_name, row_id, before_json, after_json,
	change_author_id, change_author, record_owner_id, record_owner,
	status, decided_by_id, decided_by, decided_at, note, created_at`

func scanChangeRequest(scanner interface{ Scan(...any) error }) (*types.ChangeRequest, error) {
	var cr types.ChangeRequest
	var before, decidedByID, decidedBy sql.NullString
	var decidedAt sql.NullInt64
	var after string

	err := scanner.Scan(
		&cr.ID, &cr.TableName, &cr.RowID, &before, &after,
		&cr.ChangeAuthorID, &cr.ChangeAuthor, &cr.RecordOwnerID, &cr.RecordOwner,
		&cr.Status, &decidedByID, &decidedBy, &decidedAt, &cr.Note, &cr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if before.Valid {
		cr.BeforeJSON = json.RawMessage(before.String)
	}
	cr.AfterJSON = json.RawMessage(after)
	if decidedByID.Valid {
		cr.DecidedByID = &decidedByID.String
	}
	if decidedBy.Valid {
		cr.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		cr.DecidedAt = &decidedAt.Int64
	}
	return &cr, nil
}

// GetChangeRequest loads one change request by id, with its display label.
func (s *SQLiteStore) GetChangeRequest(ctx context.Context, id string) (*types.ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE id = ?`, id)

	cr, err := scanChangeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan change request: %w", err)
	}
	cr.Label = s.changeRequestLabel(ctx, cr)
	return cr, nil
}

// ListChangeRequests returns change requests, newest first, optionally
// filtered by status. When the pending moderation view is fetched with
// includeNoise false, requests whose diff only touches fields outside the
// table's noise allow-list are dropped; this is a display filter, the
// requests themselves stay pending. Decided requests always list in full.
func (s *SQLiteStore) ListChangeRequests(ctx context.Context, status types.ChangeRequestStatus, limit int, includeNoise bool) ([]types.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change requests: %w", err)
	}
	defer rows.Close()

	out := make([]types.ChangeRequest, 0)
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		if status == types.ChangeRequestPending && !includeNoise && !s.significantRequest(cr) {
			continue
		}
		cr.Label = s.changeRequestLabel(ctx, cr)
		out = append(out, *cr)
	}
	return out, rows.Err()
}

// significantRequest reports whether a change request differs from the
// stored row on a field worth showing a moderator.
func (s *SQLiteStore) significantRequest(cr *types.ChangeRequest) bool {
	table, ok := s.registry.Lookup(cr.TableName)
	if !ok {
		return true
	}
	var before, after map[string]any
	if len(cr.BeforeJSON) > 0 {
		if err := json.Unmarshal(cr.BeforeJSON, &before); err != nil {
			return true
		}
	}
	if err := json.Unmarshal(cr.AfterJSON, &after); err != nil {
		return true
	}
	return table.SignificantChange(before, after)
}

// ApplyChangeRequest applies a pending change request: the proposed row is
// re-validated against the current schema and references, written through
// the same merge path as a push, and the request is marked applied in the
// same transaction. The deciding actor is recorded in the ledger.
func (s *SQLiteStore) ApplyChangeRequest(ctx context.Context, id string, actor types.Actor, note string) (*types.ChangeRequest, error) {
	cr, err := s.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Terminal() {
		return nil, fmt.Errorf("change request %s already %s: %w", id, cr.Status, ErrStateConflict)
	}
	if !gate.CanDecide(cr, actor) {
		return nil, fmt.Errorf("change request %s: %w", id, ErrForbidden)
	}

	table, ok := s.registry.Lookup(cr.TableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, cr.TableName)
	}
	var proposed map[string]any
	if err := json.Unmarshal(cr.AfterJSON, &proposed); err != nil {
		return nil, fmt.Errorf("decode change request payload: %w", err)
	}
	normalized, verrs := table.NormalizeRow(proposed)
	if len(verrs) > 0 {
		return nil, fmt.Errorf("%s: %w", validation.Summarize(verrs), ErrValidation)
	}

	var out *types.ChangeRequest
	for attempt := 0; attempt < ledgerRetryAttempts; attempt++ {
		err = s.ledger.Guard(func() error {
			decided, applyErr := s.applyChangeRequestOnce(ctx, cr.ID, table, normalized, actor, note)
			if applyErr != nil {
				return applyErr
			}
			out = decided
			return nil
		})
		if errors.Is(err, ledger.ErrLedgerConflict) {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}
	out.Label = s.changeRequestLabel(ctx, out)
	return out, nil
}

func (s *SQLiteStore) applyChangeRequestOnce(ctx context.Context, id string, table *shopsync.Table, row map[string]any, actor types.Actor, note string) (*types.ChangeRequest, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM change_requests WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read change request status: %w", err)
	}
	if status != string(types.ChangeRequestPending) {
		return nil, fmt.Errorf("change request %s already %s: %w", id, status, ErrStateConflict)
	}

	// Referenced rows may have vanished since the request was deflected.
	if reason, err := s.precheckRow(ctx, tx, table, row); err != nil {
		return nil, err
	} else if reason != "" {
		return nil, fmt.Errorf("%s: %w", reason, ErrValidation)
	}

	baseSeq, err := s.ledger.LastSeqTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	// Applying makes the proposal current, so it must win the merge even if
	// the owner edited the row after the request was filed.
	row["updated_at"] = now

	existing, err := s.readRowByTarget(ctx, tx, table, row)
	if err != nil {
		return nil, err
	}
	rowID := table.RowID(row)
	if existing != nil {
		if storedID, ok := existing["id"].(string); ok && storedID != "" {
			rowID = storedID
			row["id"] = storedID
		}
	}

	merged, wrote := mergeRows(existing, row, now)
	if wrote {
		if err := s.upsertRowTx(ctx, tx, table, merged); err != nil {
			return nil, err
		}

		op := types.OpUpsert
		if table.Deleted(merged) && (existing == nil || !table.Deleted(existing)) {
			op = types.OpDelete
		}
		canonical, err := ledger.MarshalCanonical(merged)
		if err != nil {
			return nil, fmt.Errorf("render row %s/%s: %w", table.SyncName, rowID, err)
		}
		payloads := []ledger.Payload{{
			Op: op, Table: table.SyncName, RowID: rowID, Row: canonical, TS: now,
		}}

		if table.ParentKey != "" {
			if parentID, _ := merged[table.ParentKey].(string); parentID != "" {
				touch, err := s.touchEntityTx(ctx, tx, parentID, now)
				if err != nil {
					return nil, err
				}
				if touch != nil {
					payloads = append(payloads, *touch)
				}
			}
		}

		entries, err := s.ledger.AppendTx(ctx, tx, baseSeq, actor, payloads)
		if err != nil {
			return nil, err
		}
		if err := appendChangeLogTx(ctx, tx, entries); err != nil {
			return nil, err
		}
	}

	decided, err := decideChangeRequestTx(ctx, tx, id, types.ChangeRequestApplied, actor, note, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit change request apply: %w", err)
	}
	return decided, nil
}

// RejectChangeRequest marks a pending change request rejected. No data is
// written and nothing reaches the ledger.
func (s *SQLiteStore) RejectChangeRequest(ctx context.Context, id string, actor types.Actor, note string) (*types.ChangeRequest, error) {
	cr, err := s.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Terminal() {
		return nil, fmt.Errorf("change request %s already %s: %w", id, cr.Status, ErrStateConflict)
	}
	if !gate.CanDecide(cr, actor) {
		return nil, fmt.Errorf("change request %s: %w", id, ErrForbidden)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	decided, err := decideChangeRequestTx(ctx, tx, id, types.ChangeRequestRejected, actor, note, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit change request reject: %w", err)
	}
	decided.Label = s.changeRequestLabel(ctx, decided)
	return decided, nil
}

// decideChangeRequestTx flips a pending request to its terminal status.
// Guarded by the status check in the WHERE clause so two moderators cannot
// both decide the same request.
func decideChangeRequestTx(ctx context.Context, tx *sql.Tx, id string, status types.ChangeRequestStatus, actor types.Actor, note string, now int64) (*types.ChangeRequest, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE change_requests
		SET status = ?, decided_by_id = ?, decided_by = ?, decided_at = ?, note = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), actor.UserID, actor.Username, now, note, id)
	if err != nil {
		return nil, fmt.Errorf("decide change request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("change request %s no longer pending: %w", id, ErrStateConflict)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE id = ?`, id)
	cr, err := scanChangeRequest(row)
	if err != nil {
		return nil, fmt.Errorf("reload change request: %w", err)
	}
	return cr, nil
}
