package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/validation"
)

// ErrNotFound is returned by reads when no row matches.
var ErrNotFound = errors.New("replica: not found")

// Sync status of a local row.
const (
	statusSynced  = "synced"
	statusPending = "pending"
	statusError   = "error"
)

// State keys in sync_state.
const (
	stateCursor       = "cursor"
	stateClientID     = "client_id"
	stateRefreshToken = "refresh_token"
	stateUserJSON     = "user_json"
)

// Store is the local projection of the replicated tables plus the pending
// queue. Local edits are staged with sync_status 'pending'; pulled rows land
// 'synced'. The pull cursor persists in the same database, in the same
// transaction as the rows it covers.
type Store struct {
	db       *sql.DB
	registry *shopsync.Registry
	now      func() int64
}

// NewStore opens (creating if necessary) the local database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		registry: shopsync.DefaultRegistry(),
		now:      shopsync.NowMs,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;

	CREATE TABLE IF NOT EXISTS entity_types (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_server_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attribute_defs (
		id TEXT PRIMARY KEY,
		entity_type_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		data_type TEXT NOT NULL,
		required INTEGER NOT NULL DEFAULT 0,
		sort_order REAL NOT NULL DEFAULT 0,
		meta_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_server_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_server_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attribute_values (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		attribute_def_id TEXT NOT NULL,
		value_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_server_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_attribute_values_entity_def
		ON attribute_values(entity_id, attribute_def_id);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		performed_at INTEGER,
		performed_by TEXT,
		meta_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_server_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate local schema: %w", err)
	}
	return nil
}

// ClientID returns the stable replica identifier, minting and persisting one
// on first use.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	id, err := s.GetState(ctx, stateClientID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id = ulid.Make().String()
	if err := s.SetState(ctx, stateClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

// GetState reads a sync_state value.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync state %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync state: %w", err)
	}
	return value, nil
}

// SetState writes a sync_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

// ClearState removes a sync_state value. Missing keys are ignored.
func (s *Store) ClearState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}
	return nil
}

// Cursor returns the largest server_seq this replica has projected.
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	v, err := s.GetState(ctx, stateCursor)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cursor uint64
	if _, err := fmt.Sscanf(v, "%d", &cursor); err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return cursor, nil
}

// Stage validates a wire row and writes it locally with sync_status
// 'pending' so the next push carries it. A zero updated_at is stamped with
// the local clock; the stored created_at survives re-staging.
func (s *Store) Stage(ctx context.Context, tableName string, row map[string]any) (map[string]any, error) {
	table, ok := s.registry.Lookup(tableName)
	if !ok {
		return nil, fmt.Errorf("replica: unknown table %q", tableName)
	}

	// Stamp lifecycle timestamps before validation so callers only supply
	// domain fields.
	now := s.now()
	staged := make(map[string]any, len(row)+2)
	for k, v := range row {
		staged[k] = v
	}
	if staged["updated_at"] == nil {
		staged["updated_at"] = now
	}
	if staged["created_at"] == nil {
		staged["created_at"] = now
	}

	normalized, verrs := table.NormalizeRow(staged)
	if len(verrs) > 0 {
		return nil, fmt.Errorf("replica: invalid %s row: %s", tableName, validation.Summarize(verrs))
	}
	if existing, _, err := s.readRow(ctx, table, normalized); err != nil {
		return nil, err
	} else if existing != nil {
		if ts, _ := existing["created_at"].(int64); ts != 0 {
			normalized["created_at"] = ts
		}
		// Re-staging an attribute value converges onto the stored pair row.
		if id, _ := existing["id"].(string); id != "" {
			normalized["id"] = id
		}
	}

	if err := s.upsertRow(ctx, s.db, table, normalized, statusPending, 0); err != nil {
		return nil, err
	}
	return normalized, nil
}

// Delete stages a soft delete: the row travels as an ordinary upsert whose
// deleted_at is set.
func (s *Store) Delete(ctx context.Context, tableName, id string) error {
	table, ok := s.registry.Lookup(tableName)
	if !ok {
		return fmt.Errorf("replica: unknown table %q", tableName)
	}
	row, _, err := s.readRow(ctx, table, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("%s row %s: %w", tableName, id, ErrNotFound)
	}
	now := s.now()
	row["deleted_at"] = now
	row["updated_at"] = now
	return s.upsertRow(ctx, s.db, table, row, statusPending, 0)
}

// Get returns one local row as a wire row plus its sync status.
func (s *Store) Get(ctx context.Context, tableName, id string) (map[string]any, string, error) {
	table, ok := s.registry.Lookup(tableName)
	if !ok {
		return nil, "", fmt.Errorf("replica: unknown table %q", tableName)
	}
	row, status, err := s.readRow(ctx, table, map[string]any{"id": id})
	if err != nil {
		return nil, "", err
	}
	if row == nil {
		return nil, "", fmt.Errorf("%s row %s: %w", tableName, id, ErrNotFound)
	}
	return row, status, nil
}

// List returns the live rows of a table, most recently updated first.
func (s *Store) List(ctx context.Context, tableName string, limit int) ([]map[string]any, error) {
	table, ok := s.registry.Lookup(tableName)
	if !ok {
		return nil, fmt.Errorf("replica: unknown table %q", tableName)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE deleted_at IS NULL ORDER BY updated_at DESC, id LIMIT ?",
		strings.Join(table.DBColumns(), ", "), table.SyncName)
	return s.queryWireRows(ctx, table, query, limit)
}

// ValuesFor returns the live attribute values of one entity.
func (s *Store) ValuesFor(ctx context.Context, entityID string) ([]map[string]any, error) {
	table, _ := s.registry.Lookup(shopsync.TableAttributeValues)
	query := fmt.Sprintf(
		"SELECT %s FROM attribute_values WHERE entity_id = ? AND deleted_at IS NULL ORDER BY attribute_def_id",
		strings.Join(table.DBColumns(), ", "))
	return s.queryWireRows(ctx, table, query, entityID)
}

// CollectPending gathers staged rows table by table in dependency order,
// capped per table and overall. Rows that no longer pass validation are
// flipped to 'error' and dropped; they will not be resent.
func (s *Store) CollectPending(ctx context.Context, maxPerTable, maxTotal int) ([]shopsync.TablePack, int, error) {
	var packs []shopsync.TablePack
	invalid := 0
	total := 0

	for _, table := range s.registry.InDependencyOrder() {
		if total >= maxTotal {
			break
		}
		limit := maxPerTable
		if maxTotal-total < limit {
			limit = maxTotal - total
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE sync_status = 'pending' ORDER BY updated_at, id LIMIT ?",
			strings.Join(table.DBColumns(), ", "), table.SyncName)
		rows, err := s.queryWireRows(ctx, table, query, limit)
		if err != nil {
			return nil, 0, err
		}

		valid := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			if _, verrs := table.NormalizeRow(row); len(verrs) > 0 {
				if err := s.MarkError(ctx, table.SyncName, []map[string]any{row}); err != nil {
					return nil, 0, err
				}
				invalid++
				continue
			}
			valid = append(valid, row)
		}
		if len(valid) > 0 {
			packs = append(packs, shopsync.TablePack{Table: table.SyncName, Rows: valid})
			total += len(valid)
		}
	}
	return packs, invalid, nil
}

// MarkSynced flips collected rows to 'synced' after the server acknowledged
// them.
func (s *Store) MarkSynced(ctx context.Context, tableName string, rows []map[string]any) error {
	return s.markStatus(ctx, tableName, rows, statusSynced)
}

// MarkError flips collected rows to 'error'. They stay visible locally but
// are never pushed again.
func (s *Store) MarkError(ctx context.Context, tableName string, rows []map[string]any) error {
	return s.markStatus(ctx, tableName, rows, statusError)
}

// markStatus updates sync_status guarded by the updated_at each row was
// collected with: a row re-staged after collection keeps its pending status
// and travels with the next push.
func (s *Store) markStatus(ctx context.Context, tableName string, rows []map[string]any, status string) error {
	if len(rows) == 0 {
		return nil
	}
	table, ok := s.registry.Lookup(tableName)
	if !ok {
		return fmt.Errorf("replica: unknown table %q", tableName)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark %s rows %s: %w", tableName, status, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE id = ? AND updated_at <= ?", tableName)
	for _, row := range rows {
		collectedAt, _ := row["updated_at"].(int64)
		if _, err := tx.ExecContext(ctx, query, status, table.RowID(row), collectedAt); err != nil {
			return fmt.Errorf("mark %s rows %s: %w", tableName, status, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark %s rows %s: %w", tableName, status, err)
	}
	return nil
}

// ApplyPull projects one pull response into the local tables and advances
// the cursor, atomically. The server's row version replaces every non-key
// column; projected rows come back 'synced'.
func (s *Store) ApplyPull(ctx context.Context, resp *shopsync.PullResponse) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin pull transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for _, changes := range resp.Changes {
		table, ok := s.registry.Lookup(changes.Table)
		if !ok {
			return 0, fmt.Errorf("replica: server sent unknown table %q", changes.Table)
		}
		for _, raw := range changes.Rows {
			row, verrs := table.NormalizeRow(raw)
			if len(verrs) > 0 {
				return 0, fmt.Errorf("replica: server sent invalid %s row: %s",
					changes.Table, validation.Summarize(verrs))
			}
			if err := s.upsertRow(ctx, tx, table, row, statusSynced, resp.NextCursor); err != nil {
				return 0, err
			}
			applied++
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)`,
		stateCursor, fmt.Sprintf("%d", resp.NextCursor))
	if err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit pull: %w", err)
	}
	return applied, nil
}

// Stats summarizes the replication state of the local database.
type Stats struct {
	Pending int
	Errors  int
	Cursor  uint64
}

// Stats counts staged and failed rows across every replicated table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, table := range s.registry.InDependencyOrder() {
		var pending, failed int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT
				COUNT(CASE WHEN sync_status = 'pending' THEN 1 END),
				COUNT(CASE WHEN sync_status = 'error' THEN 1 END)
			FROM %s`, table.SyncName)).Scan(&pending, &failed)
		if err != nil {
			return Stats{}, fmt.Errorf("count %s statuses: %w", table.SyncName, err)
		}
		st.Pending += pending
		st.Errors += failed
	}
	cursor, err := s.Cursor(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Cursor = cursor
	return st, nil
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertRow writes a normalized wire row keyed by the registry conflict
// target, replacing every non-key column and the replication bookkeeping.
func (s *Store) upsertRow(ctx context.Context, q dbtx, table *shopsync.Table, row map[string]any, status string, serverSeq uint64) error {
	cols, args := table.ToDbRow(row)
	cols = append(cols, "sync_status", "last_server_seq")
	args = append(args, status, serverSeq)

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
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert local %s row %s: %w", table.SyncName, table.RowID(row), err)
	}
	return nil
}

// readRow loads the stored row matching the incoming row's conflict target.
// Returns nil when no row matches.
func (s *Store) readRow(ctx context.Context, table *shopsync.Table, row map[string]any) (map[string]any, string, error) {
	cols := table.DBColumns()
	where := make([]string, 0, len(table.ConflictTarget))
	args := make([]any, 0, len(table.ConflictTarget))
	for _, target := range table.ConflictTarget {
		where = append(where, target+" = ?")
		args = append(args, wireValue(table, row, target))
	}

	query := fmt.Sprintf("SELECT %s, sync_status FROM %s WHERE %s LIMIT 1",
		strings.Join(cols, ", "), table.SyncName, strings.Join(where, " AND "))

	values := make([]any, len(cols)+1)
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read local %s row: %w", table.SyncName, err)
	}

	wire, err := table.ToWireRow(values[:len(cols)])
	if err != nil {
		return nil, "", err
	}
	status := ""
	switch v := values[len(cols)].(type) {
	case string:
		status = v
	case []byte:
		status = string(v)
	}
	return wire, status, nil
}

func (s *Store) queryWireRows(ctx context.Context, table *shopsync.Table, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query local %s rows: %w", table.SyncName, err)
	}
	defer rows.Close()

	cols := table.DBColumns()
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan local %s row: %w", table.SyncName, err)
		}
		wire, err := table.ToWireRow(values)
		if err != nil {
			return nil, err
		}
		out = append(out, wire)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local %s rows: %w", table.SyncName, err)
	}
	return out, nil
}

func wireValue(table *shopsync.Table, row map[string]any, dbCol string) any {
	for _, f := range table.Fields {
		if f.DB == dbCol {
			return row[f.Wire]
		}
	}
	return nil
}
