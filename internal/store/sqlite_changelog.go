package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (server_seq, table_name, row_id, op, payload_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// appendChangeLogTx writes change log rows inside an existing transaction.
// server_seq comes from the ledger entry recorded in the same transaction,
// so the pull cursor and the ledger share one sequence.
func appendChangeLogTx(ctx context.Context, tx *sql.Tx, entries []types.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		_, err := tx.ExecContext(ctx, insertChangeLogSQL,
			e.Seq, e.Table, e.RowID, string(e.Op), string(e.Row), e.TS)
		if err != nil {
			return fmt.Errorf("append change log entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// LatestSequence returns the highest server_seq in the change log.
// Returns 0 if the change log is empty.
func (s *SQLiteStore) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(server_seq) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// ChangesSince returns the pull window after cursor: up to limit change log
// rows, deduplicated so each (table, row) appears once with its latest
// payload, grouped by table in dependency order. NextCursor covers every
// scanned row including the deduplicated ones, so a client that stores it
// never sees those rows again.
func (s *SQLiteStore) ChangesSince(ctx context.Context, cursor uint64, limit int) (*shopsync.PullResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_seq, table_name, row_id, payload_json
		FROM change_log
		WHERE server_seq > ?
		ORDER BY server_seq ASC
		LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	type slot struct {
		table   string
		payload string
	}
	scanned := 0
	nextCursor := cursor
	latest := make(map[string]*slot)
	order := make([]string, 0)

	for rows.Next() {
		var seq uint64
		var table, rowID, payload string
		if err := rows.Scan(&seq, &table, &rowID, &payload); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		scanned++
		nextCursor = seq

		key := table + "\x00" + rowID
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = &slot{table: table, payload: payload}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}

	grouped := make(map[string][]map[string]any)
	for _, key := range order {
		sl := latest[key]
		var row map[string]any
		if err := json.Unmarshal([]byte(sl.payload), &row); err != nil {
			return nil, fmt.Errorf("decode change payload: %w", err)
		}
		grouped[sl.table] = append(grouped[sl.table], row)
	}

	changes := make([]shopsync.TableChanges, 0, len(grouped))
	for _, table := range s.registry.InDependencyOrder() {
		if rows, ok := grouped[table.SyncName]; ok {
			changes = append(changes, shopsync.TableChanges{Table: table.SyncName, Rows: rows})
		}
	}

	hasMore := false
	if scanned == limit {
		head, err := s.LatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		hasMore = nextCursor < head
	}

	return &shopsync.PullResponse{
		OK:         true,
		Changes:    changes,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// CheckPushIdempotency checks if a push_id has been processed.
// Returns the cached response and true if found, nil and false otherwise.
func (s *SQLiteStore) CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error) {
	var response string
	var expiresAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ?
	`, pushID).Scan(&response, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	if s.now() > expiresAt {
		return nil, false, nil
	}

	return []byte(response), true, nil
}

// RecordPushIdempotency records a processed push for idempotency.
func (s *SQLiteStore) RecordPushIdempotency(ctx context.Context, pushID, clientID string, response []byte, ttl time.Duration) error {
	expiresAt := s.now() + ttl.Milliseconds()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO push_idempotency (push_id, client_id, response, expires_at)
		VALUES (?, ?, ?, ?)
	`, pushID, clientID, string(response), expiresAt)
	if err != nil {
		return fmt.Errorf("record push idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM push_idempotency WHERE expires_at < ?
	`, s.now())
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}
