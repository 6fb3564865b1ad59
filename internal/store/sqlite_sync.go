package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/overhaulhq/shopsync/internal/gate"
	"github.com/overhaulhq/shopsync/internal/ledger"
	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
	"github.com/overhaulhq/shopsync/internal/validation"
)

// ledgerRetryAttempts bounds retries when the ledger head moves under a
// write transaction. The ledger guard serializes writers in-process, so a
// conflict means an out-of-band writer touched the database.
const ledgerRetryAttempts = 3

// pushIdempotencyTTL is how long a cached push response can be replayed.
const pushIdempotencyTTL = 24 * time.Hour

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// dbtx adds queries; also satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	execContext
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableBatch is one replicated table's normalized rows, ready to apply.
type tableBatch struct {
	table *shopsync.Table
	rows  []map[string]any
}

// ApplySyncChanges is the single entry point for replicated writes. It
// validates and normalizes the pushed rows, routes each through the
// ownership gate, merges winners last-writer-wins and commits table rows,
// ledger entries and change log rows in one transaction.
func (s *SQLiteStore) ApplySyncChanges(ctx context.Context, actor types.Actor, req *shopsync.PushRequest) (*shopsync.PushResponse, error) {
	if req.PushID != "" {
		if cached, ok, err := s.CheckPushIdempotency(ctx, req.PushID); err != nil {
			return nil, err
		} else if ok {
			var resp shopsync.PushResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				return &resp, nil
			}
		}
	}

	batches, rowErrs, err := s.prepareBatches(req)
	if err != nil {
		return nil, err
	}

	var resp *shopsync.PushResponse
	for attempt := 0; attempt < ledgerRetryAttempts; attempt++ {
		err = s.ledger.Guard(func() error {
			r, applyErr := s.applyOnce(ctx, actor, batches)
			if applyErr != nil {
				return applyErr
			}
			resp = r
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

	resp.Errors = append(rowErrs, resp.Errors...)

	if req.PushID != "" {
		if body, err := json.Marshal(resp); err == nil {
			if err := s.RecordPushIdempotency(ctx, req.PushID, req.ClientID, body, pushIdempotencyTTL); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// prepareBatches validates table names, normalizes every pushed row and
// groups the survivors by table in dependency order. Rows that fail
// validation become row errors and are dropped from processing.
func (s *SQLiteStore) prepareBatches(req *shopsync.PushRequest) ([]tableBatch, []shopsync.RowError, error) {
	grouped := make(map[string][]map[string]any)
	var rowErrs []shopsync.RowError

	for _, pack := range req.Upserts {
		table, ok := s.registry.Lookup(pack.Table)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTable, pack.Table)
		}
		for _, raw := range pack.Rows {
			normalized, verrs := table.NormalizeRow(raw)
			if len(verrs) > 0 {
				rawID, _ := raw["id"].(string)
				rowErrs = append(rowErrs, shopsync.RowError{
					Table:  pack.Table,
					ID:     rawID,
					Reason: validation.Summarize(verrs),
				})
				continue
			}
			grouped[table.SyncName] = append(grouped[table.SyncName], normalized)
		}
	}

	batches := make([]tableBatch, 0, len(grouped))
	for _, table := range s.registry.InDependencyOrder() {
		if rows, ok := grouped[table.SyncName]; ok {
			batches = append(batches, tableBatch{table: table, rows: rows})
		}
	}
	return batches, rowErrs, nil
}

// rowOutcome classifies what happened to one pushed row.
type rowOutcome struct {
	kind     int
	rowID    string
	reason   string
	crID     string
	payload  *ledger.Payload
	parentID string
}

const (
	rowApplied = iota
	rowRejected
	rowDeflected
)

// applyOnce runs the whole push in one transaction. A ledger conflict
// rolls everything back; the caller retries.
func (s *SQLiteStore) applyOnce(ctx context.Context, actor types.Actor, batches []tableBatch) (*shopsync.PushResponse, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	baseSeq, err := s.ledger.LastSeqTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	resp := &shopsync.PushResponse{OK: true}
	var payloads []ledger.Payload
	writtenEntities := make(map[string]bool)
	touched := make(map[string]bool)

	for _, b := range batches {
		for _, row := range b.rows {
			outcome, err := s.applyRow(ctx, tx, b.table, row, actor, now)
			if err != nil {
				return nil, err
			}
			switch outcome.kind {
			case rowRejected:
				resp.Errors = append(resp.Errors, shopsync.RowError{
					Table: b.table.SyncName, ID: outcome.rowID, Reason: outcome.reason,
				})
			case rowDeflected:
				resp.Deflected = append(resp.Deflected, shopsync.Deflection{
					Table: b.table.SyncName, ID: outcome.rowID, ChangeRequestID: outcome.crID,
				})
			case rowApplied:
				resp.Applied++
				if outcome.payload != nil {
					payloads = append(payloads, *outcome.payload)
					if b.table.SyncName == shopsync.TableEntities {
						writtenEntities[outcome.rowID] = true
					}
					if outcome.parentID != "" {
						touched[outcome.parentID] = true
					}
				}
			}
		}
	}

	// Child writes bump the parent entity's updated_at so list views sorted
	// by recency surface it, and the touch replicates like any other change.
	parentIDs := make([]string, 0, len(touched))
	for id := range touched {
		if !writtenEntities[id] {
			parentIDs = append(parentIDs, id)
		}
	}
	sort.Strings(parentIDs)
	for _, id := range parentIDs {
		payload, err := s.touchEntityTx(ctx, tx, id, now)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			payloads = append(payloads, *payload)
		}
	}

	if len(payloads) > 0 {
		entries, err := s.ledger.AppendTx(ctx, tx, baseSeq, actor, payloads)
		if err != nil {
			return nil, err
		}
		if err := appendChangeLogTx(ctx, tx, entries); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync changes: %w", err)
	}
	return resp, nil
}

// applyRow pushes one normalized row through prechecks, the ownership gate
// and the last-writer-wins merge.
func (s *SQLiteStore) applyRow(ctx context.Context, tx *sql.Tx, table *shopsync.Table, row map[string]any, actor types.Actor, now int64) (rowOutcome, error) {
	rowID := table.RowID(row)

	if reason, err := s.precheckRow(ctx, tx, table, row); err != nil {
		return rowOutcome{}, err
	} else if reason != "" {
		return rowOutcome{kind: rowRejected, rowID: rowID, reason: reason}, nil
	}

	existing, err := s.readRowByTarget(ctx, tx, table, row)
	if err != nil {
		return rowOutcome{}, err
	}
	if existing != nil {
		// Rows found by a natural conflict target converge onto the stored
		// id: two replicas that invented the pair independently end up
		// updating one row.
		if storedID, ok := existing["id"].(string); ok && storedID != "" {
			rowID = storedID
			row["id"] = storedID
		}
	}

	owner, err := s.rowOwnerTx(ctx, tx, table.SyncName, rowID)
	if err != nil {
		return rowOutcome{}, err
	}

	decision := gate.Decide(owner, actor)
	if decision == gate.Deflect {
		crID, err := s.createChangeRequestTx(ctx, tx, table, rowID, existing, row, actor, owner, now)
		if err != nil {
			return rowOutcome{}, err
		}
		return rowOutcome{kind: rowDeflected, rowID: rowID, crID: crID}, nil
	}

	merged, wrote := mergeRows(existing, row, now)
	if !wrote {
		// Stale or identical: accepted, nothing to store, nothing to log.
		return rowOutcome{kind: rowApplied, rowID: rowID}, nil
	}

	if err := s.upsertRowTx(ctx, tx, table, merged); err != nil {
		return rowOutcome{}, err
	}
	if decision == gate.AdmitAndOwn {
		if err := claimRowTx(ctx, tx, table.SyncName, rowID, actor, now); err != nil {
			return rowOutcome{}, err
		}
	}

	op := types.OpUpsert
	if table.Deleted(merged) && (existing == nil || !table.Deleted(existing)) {
		op = types.OpDelete
	}
	canonical, err := ledger.MarshalCanonical(merged)
	if err != nil {
		return rowOutcome{}, fmt.Errorf("render row %s/%s: %w", table.SyncName, rowID, err)
	}

	outcome := rowOutcome{
		kind:  rowApplied,
		rowID: rowID,
		payload: &ledger.Payload{
			Op: op, Table: table.SyncName, RowID: rowID, Row: canonical, TS: now,
		},
	}
	if table.ParentKey != "" {
		outcome.parentID, _ = merged[table.ParentKey].(string)
	}
	return outcome, nil
}

// mergeRows merges an incoming row over the stored one. The stored
// created_at is preserved; zero timestamps are stamped with the server
// clock. Returns false when nothing should be written: the incoming row is
// older than the stored one, or byte-identical to it.
func mergeRows(existing, incoming map[string]any, now int64) (map[string]any, bool) {
	merged := make(map[string]any, len(incoming))
	for k, v := range incoming {
		merged[k] = v
	}
	if ts, _ := asTimestamp(merged["updated_at"]); ts == 0 {
		merged["updated_at"] = now
	}
	if ts, _ := asTimestamp(merged["created_at"]); ts == 0 {
		merged["created_at"] = now
	}
	if existing == nil {
		return merged, true
	}

	if ts, ok := asTimestamp(existing["created_at"]); ok && ts != 0 {
		merged["created_at"] = ts
	}

	in, _ := asTimestamp(merged["updated_at"])
	cur, _ := asTimestamp(existing["updated_at"])
	if in < cur {
		return nil, false
	}
	if reflect.DeepEqual(merged, existing) {
		return merged, false
	}
	return merged, true
}

func asTimestamp(v any) (int64, bool) {
	ts, ok := v.(int64)
	return ts, ok
}

// precheckRow enforces domain rules that would otherwise surface as
// constraint failures and roll back the whole pack: referenced rows must
// exist live, ids must not be reused under a different natural key, and
// unique-live groups must not collide with another live row.
func (s *SQLiteStore) precheckRow(ctx context.Context, q dbtx, table *shopsync.Table, row map[string]any) (string, error) {
	rowID := table.RowID(row)

	for _, f := range table.Fields {
		if f.RefTable == "" {
			continue
		}
		ref, _ := row[f.Wire].(string)
		if ref == "" {
			continue
		}
		exists, err := rowExistsLive(ctx, q, f.RefTable, ref)
		if err != nil {
			return "", err
		}
		if !exists {
			return fmt.Sprintf("%s references missing %s row %s", f.Wire, f.RefTable, ref), nil
		}
	}

	// An id recycled under a different natural key would miss the conflict
	// target and trip the primary key on insert.
	if len(table.ConflictTarget) > 1 || table.ConflictTarget[0] != "id" {
		diff := make([]string, 0, len(table.ConflictTarget))
		args := []any{rowID}
		for _, col := range table.ConflictTarget {
			diff = append(diff, col+" != ?")
			args = append(args, wireValueForColumn(table, row, col))
		}
		var one int
		err := q.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE id = ? AND (%s) LIMIT 1",
				table.SyncName, strings.Join(diff, " OR ")),
			args...).Scan(&one)
		if err == nil {
			return fmt.Sprintf("id %s already bound to a different %s", rowID, strings.Join(table.ConflictTarget, "+")), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("id precheck %s: %w", table.SyncName, err)
		}
	}

	if table.Deleted(row) {
		return "", nil
	}
	for _, group := range table.UniqueLive {
		where := make([]string, 0, len(group)+2)
		args := make([]any, 0, len(group)+2)
		for _, col := range group {
			where = append(where, col+" = ?")
			args = append(args, row[col])
		}
		where = append(where, "deleted_at IS NULL", "id != ?")
		args = append(args, rowID)

		var one int
		err := q.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", table.SyncName, strings.Join(where, " AND ")),
			args...).Scan(&one)
		if err == nil {
			return fmt.Sprintf("duplicate %s for live row", strings.Join(group, "+")), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("unique precheck %s: %w", table.SyncName, err)
		}
	}
	return "", nil
}

func rowExistsLive(ctx context.Context, q dbtx, tableName, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ? AND deleted_at IS NULL", tableName), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check %s: %w", tableName, err)
	}
	return true, nil
}

// readRowByTarget loads the stored row matching the incoming row's conflict
// target, as a normalized wire row. Returns nil when no row matches.
func (s *SQLiteStore) readRowByTarget(ctx context.Context, q dbtx, table *shopsync.Table, row map[string]any) (map[string]any, error) {
	cols := table.DBColumns()
	where := make([]string, 0, len(table.ConflictTarget))
	args := make([]any, 0, len(table.ConflictTarget))
	for _, target := range table.ConflictTarget {
		where = append(where, target+" = ?")
		args = append(args, wireValueForColumn(table, row, target))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(cols, ", "), table.SyncName, strings.Join(where, " AND "))

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err := q.QueryRowContext(ctx, query, args...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s row: %w", table.SyncName, err)
	}
	return table.ToWireRow(values)
}

func wireValueForColumn(table *shopsync.Table, row map[string]any, dbCol string) any {
	for _, f := range table.Fields {
		if f.DB == dbCol {
			return row[f.Wire]
		}
	}
	return nil
}

// upsertRowTx writes a normalized row with INSERT ... ON CONFLICT DO UPDATE.
// The conflict target and id never change on update, so foreign keys into
// the row stay intact.
func (s *SQLiteStore) upsertRowTx(ctx context.Context, execer execContext, table *shopsync.Table, row map[string]any) error {
	cols, args := table.ToDbRow(row)

	skip := map[string]bool{"id": true}
	for _, c := range table.ConflictTarget {
		skip[c] = true
	}
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		if !skip[col] {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table.SyncName,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(table.ConflictTarget, ", "),
		strings.Join(updates, ", "),
	)

	if _, err := execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s row %s: %w", table.SyncName, table.RowID(row), err)
	}
	return nil
}

// rowOwnerTx returns the registered owner of a row, or nil when none.
func (s *SQLiteStore) rowOwnerTx(ctx context.Context, q dbtx, tableName, rowID string) (*types.RowOwner, error) {
	var o types.RowOwner
	err := q.QueryRowContext(ctx, `
		SELECT table_name, row_id, user_id, username, created_at
		FROM row_owners
		WHERE table_name = ? AND row_id = ?
	`, tableName, rowID).Scan(&o.TableName, &o.RowID, &o.UserID, &o.Username, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read row owner: %w", err)
	}
	return &o, nil
}

// claimRowTx registers the actor as the row's owner. First writer wins;
// replays are no-ops.
func claimRowTx(ctx context.Context, execer execContext, tableName, rowID string, actor types.Actor, now int64) error {
	_, err := execer.ExecContext(ctx, `
		INSERT OR IGNORE INTO row_owners (table_name, row_id, user_id, username, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, tableName, rowID, actor.UserID, actor.Username, now)
	if err != nil {
		return fmt.Errorf("claim row %s/%s: %w", tableName, rowID, err)
	}
	return nil
}

// touchEntityTx bumps an entity's updated_at after one of its children
// changed, and returns a ledger payload carrying the touched row.
func (s *SQLiteStore) touchEntityTx(ctx context.Context, tx *sql.Tx, entityID string, now int64) (*ledger.Payload, error) {
	table, ok := s.registry.Lookup(shopsync.TableEntities)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, shopsync.TableEntities)
	}
	row, err := s.readRowByTarget(ctx, tx, table, map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	if cur, _ := asTimestamp(row["updated_at"]); cur < now {
		row["updated_at"] = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET updated_at = ? WHERE id = ?`, row["updated_at"], entityID); err != nil {
		return nil, fmt.Errorf("touch entity %s: %w", entityID, err)
	}

	canonical, err := ledger.MarshalCanonical(row)
	if err != nil {
		return nil, fmt.Errorf("render touched entity %s: %w", entityID, err)
	}
	return &ledger.Payload{
		Op: types.OpUpsert, Table: shopsync.TableEntities, RowID: entityID, Row: canonical, TS: now,
	}, nil
}

// createChangeRequestTx snapshots a deflected write as a pending change
// request. before is nil when the push would create the row.
func (s *SQLiteStore) createChangeRequestTx(ctx context.Context, tx *sql.Tx, table *shopsync.Table, rowID string, before, after map[string]any, actor types.Actor, owner *types.RowOwner, now int64) (string, error) {
	id := ulid.Make().String()

	var beforeJSON any
	if before != nil {
		b, err := ledger.MarshalCanonical(before)
		if err != nil {
			return "", fmt.Errorf("render change request before: %w", err)
		}
		beforeJSON = string(b)
	}
	afterBytes, err := ledger.MarshalCanonical(after)
	if err != nil {
		return "", fmt.Errorf("render change request after: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_requests (
			id, table_name, row_id, before_json, after_json,
			change_author_id, change_author, record_owner_id, record_owner,
			status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
	`, id, table.SyncName, rowID, beforeJSON, string(afterBytes),
		actor.UserID, actor.Username, owner.UserID, owner.Username, now)
	if err != nil {
		return "", fmt.Errorf("create change request: %w", err)
	}
	return id, nil
}
