package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/overhaulhq/shopsync/internal/types"
)

// GenesisPrevHash is the prev_hash of the first ledger entry.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrLedgerConflict is returned by AppendTx when the observed base seq moved
// under the caller. The sync write path retries the whole transaction.
var ErrLedgerConflict = errors.New("ledger sequence conflict")

// ErrNothingToCheckpoint is returned by Checkpoint when the ledger holds no
// entries yet.
var ErrNothingToCheckpoint = errors.New("ledger: nothing to checkpoint")

// Payload is one change to be appended. Row carries the canonical wire-form
// row bytes; the ledger hashes and stores them verbatim.
type Payload struct {
	Op    types.Op
	Table string
	RowID string
	Row   json.RawMessage
	TS    int64
}

// Ledger is the append-only, HMAC-chained, signed history of accepted
// changes. It shares the store's database; appends run inside the caller's
// transaction so ledger rows, table upserts and change_log rows commit
// together.
type Ledger struct {
	mu       sync.Mutex
	db       *sql.DB
	chainKey []byte
	signKey  []byte
}

// New creates a Ledger over db. Both keys are required; the chain key feeds
// prev_hash/tx_hash, the signing key feeds entry and checkpoint signatures.
func New(db *sql.DB, chainKey, signKey []byte) (*Ledger, error) {
	if len(chainKey) == 0 || len(signKey) == 0 {
		return nil, errors.New("ledger: chain and signing keys are required")
	}
	return &Ledger{db: db, chainKey: chainKey, signKey: signKey}, nil
}

// Guard serializes ledger-writing transactions. Callers wrap the whole
// write transaction so the base seq observed at append time cannot move in
// normal operation.
func (l *Ledger) Guard(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LastSeq returns the highest assigned sequence number, 0 for an empty ledger.
func (l *Ledger) LastSeq(ctx context.Context) (uint64, error) {
	return lastSeq(ctx, l.db)
}

// LastSeqTx returns the highest assigned sequence number as seen inside tx.
// Callers pass it back to AppendTx as the base.
func (l *Ledger) LastSeqTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	return lastSeq(ctx, tx)
}

func lastSeq(ctx context.Context, q querier) (uint64, error) {
	var seq sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger_entries`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger head: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// AppendTx atomically appends payloads inside tx, assigning sequence numbers
// from baseSeq+1. Fails with ErrLedgerConflict when the stored head no
// longer equals baseSeq.
func (l *Ledger) AppendTx(ctx context.Context, tx *sql.Tx, baseSeq uint64, actor types.Actor, payloads []Payload) ([]types.LedgerEntry, error) {
	head, err := lastSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	if head != baseSeq {
		return nil, fmt.Errorf("%w: base %d, head %d", ErrLedgerConflict, baseSeq, head)
	}

	prevHash := GenesisPrevHash
	if baseSeq > 0 {
		err := tx.QueryRowContext(ctx, `SELECT tx_hash FROM ledger_entries WHERE seq = ?`, baseSeq).Scan(&prevHash)
		if err != nil {
			return nil, fmt.Errorf("failed to read chain head hash: %w", err)
		}
	}

	entries := make([]types.LedgerEntry, 0, len(payloads))
	for i, p := range payloads {
		seq := baseSeq + uint64(i) + 1
		canonical, err := entryCanonicalBytes(seq, p.TS, p.Op, p.Table, p.RowID, p.Row, actor, prevHash)
		if err != nil {
			return nil, err
		}
		txHash := l.hashChain(canonical)
		sig := l.sign(canonical)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (seq, ts, op, table_name, row_id, payload_json, actor_user_id, actor_username, actor_role, prev_hash, tx_hash, sig)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seq, p.TS, string(p.Op), p.Table, p.RowID, string(p.Row),
			actor.UserID, actor.Username, string(actor.Role),
			prevHash, txHash, sig,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append ledger entry %d: %w", seq, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_tx_index (seq, table_name, row_id, op, ts)
			VALUES (?, ?, ?, ?, ?)`,
			seq, p.Table, p.RowID, string(p.Op), p.TS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to index ledger entry %d: %w", seq, err)
		}

		entries = append(entries, types.LedgerEntry{
			Seq:      seq,
			TS:       p.TS,
			Op:       p.Op,
			Table:    p.Table,
			RowID:    p.RowID,
			Row:      p.Row,
			Actor:    actor,
			PrevHash: prevHash,
			TxHash:   txHash,
			Sig:      sig,
		})
		prevHash = txHash
	}
	return entries, nil
}

// Range reads a contiguous window of entries starting at fromSeq inclusive,
// ordered by seq ascending.
func (l *Ledger) Range(ctx context.Context, fromSeq uint64, limit int) ([]types.LedgerEntry, error) {
	return rangeEntries(ctx, l.db, fromSeq, limit)
}

// RangeTx is Range as seen inside tx.
func (l *Ledger) RangeTx(ctx context.Context, tx *sql.Tx, fromSeq uint64, limit int) ([]types.LedgerEntry, error) {
	return rangeEntries(ctx, tx, fromSeq, limit)
}

func rangeEntries(ctx context.Context, q querier, fromSeq uint64, limit int) ([]types.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, ts, op, table_name, row_id, payload_json, actor_user_id, actor_username, actor_role, prev_hash, tx_hash, sig
		FROM ledger_entries
		WHERE seq >= ?
		ORDER BY seq ASC
		LIMIT ?`, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger range: %w", err)
	}
	defer rows.Close()

	entries := make([]types.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (types.LedgerEntry, error) {
	var e types.LedgerEntry
	var op, role, payload string
	err := rows.Scan(&e.Seq, &e.TS, &op, &e.Table, &e.RowID, &payload,
		&e.Actor.UserID, &e.Actor.Username, &role, &e.PrevHash, &e.TxHash, &e.Sig)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Op = types.Op(op)
	e.Actor.Role = types.Role(role)
	e.Row = json.RawMessage(payload)
	return e, nil
}

// Checkpoint folds every entry after the previous checkpoint into a rolling
// digest, signs it and persists it. Returns (checkpoint, false, nil) without
// writing when no new entries exist.
func (l *Ledger) Checkpoint(ctx context.Context) (types.Checkpoint, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Checkpoint{}, false, fmt.Errorf("failed to begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	prev, err := latestCheckpoint(ctx, tx)
	if err != nil {
		return types.Checkpoint{}, false, err
	}
	head, err := lastSeq(ctx, tx)
	if err != nil {
		return types.Checkpoint{}, false, err
	}

	fromSeq := uint64(0)
	digest := GenesisPrevHash
	if prev != nil {
		if prev.LastSeq >= head {
			return *prev, false, nil
		}
		fromSeq = prev.LastSeq
		digest = prev.Digest
	}
	if head == 0 {
		return types.Checkpoint{}, false, ErrNothingToCheckpoint
	}

	rows, err := tx.QueryContext(ctx, `SELECT tx_hash FROM ledger_entries WHERE seq > ? ORDER BY seq ASC`, fromSeq)
	if err != nil {
		return types.Checkpoint{}, false, fmt.Errorf("failed to read entries for checkpoint: %w", err)
	}
	for rows.Next() {
		var txHash string
		if err := rows.Scan(&txHash); err != nil {
			rows.Close()
			return types.Checkpoint{}, false, err
		}
		digest = l.hashChain([]byte(digest + txHash))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Checkpoint{}, false, err
	}

	cp := types.Checkpoint{
		LastSeq:   head,
		Digest:    digest,
		CreatedAt: time.Now().UnixMilli(),
	}
	canonical, err := MarshalCanonical(map[string]any{
		"last_seq":   cp.LastSeq,
		"digest":     cp.Digest,
		"created_at": cp.CreatedAt,
	})
	if err != nil {
		return types.Checkpoint{}, false, err
	}
	cp.Sig = l.sign(canonical)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_checkpoints (last_seq, digest, created_at, sig)
		VALUES (?, ?, ?, ?)`,
		cp.LastSeq, cp.Digest, cp.CreatedAt, cp.Sig,
	)
	if err != nil {
		return types.Checkpoint{}, false, fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Checkpoint{}, false, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp, true, nil
}

// LatestCheckpoint returns the most recent checkpoint, or nil when none exists.
func (l *Ledger) LatestCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	return latestCheckpoint(ctx, l.db)
}

func latestCheckpoint(ctx context.Context, q querier) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := q.QueryRowContext(ctx, `
		SELECT last_seq, digest, created_at, sig
		FROM ledger_checkpoints
		ORDER BY last_seq DESC
		LIMIT 1`).Scan(&cp.LastSeq, &cp.Digest, &cp.CreatedAt, &cp.Sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	return &cp, nil
}

// VerifyChain recomputes hashes and signatures over [fromSeq, toSeq] and
// checks linkage and contiguity. toSeq 0 means the current head. Returns
// ok=false with the first offending seq.
func (l *Ledger) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (bool, uint64, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		head, err := l.LastSeq(ctx)
		if err != nil {
			return false, 0, err
		}
		toSeq = head
	}
	if toSeq < fromSeq {
		return true, 0, nil
	}

	prevHash := GenesisPrevHash
	if fromSeq > 1 {
		err := l.db.QueryRowContext(ctx, `SELECT tx_hash FROM ledger_entries WHERE seq = ?`, fromSeq-1).Scan(&prevHash)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fromSeq - 1, nil
		}
		if err != nil {
			return false, 0, err
		}
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, op, table_name, row_id, payload_json, actor_user_id, actor_username, actor_role, prev_hash, tx_hash, sig
		FROM ledger_entries
		WHERE seq >= ? AND seq <= ?
		ORDER BY seq ASC`, fromSeq, toSeq)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read chain: %w", err)
	}
	defer rows.Close()

	expected := fromSeq
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return false, 0, err
		}
		if e.Seq != expected {
			return false, expected, nil
		}
		canonical, err := entryCanonicalBytes(e.Seq, e.TS, e.Op, e.Table, e.RowID, e.Row, e.Actor, prevHash)
		if err != nil {
			return false, e.Seq, nil
		}
		if e.PrevHash != prevHash {
			return false, e.Seq, nil
		}
		if e.TxHash != l.hashChain(canonical) {
			return false, e.Seq, nil
		}
		if !hmac.Equal([]byte(e.Sig), []byte(l.sign(canonical))) {
			return false, e.Seq, nil
		}
		prevHash = e.TxHash
		expected++
	}
	if err := rows.Err(); err != nil {
		return false, 0, err
	}
	if expected != toSeq+1 {
		return false, expected, nil
	}
	return true, 0, nil
}

// RebuildTxIndex truncates ledger_tx_index and repopulates it from the
// entries table. Returns the number of indexed entries.
func (l *Ledger) RebuildTxIndex(ctx context.Context) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin index rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_tx_index`); err != nil {
		return 0, fmt.Errorf("failed to truncate ledger_tx_index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_tx_index (seq, table_name, row_id, op, ts)
		SELECT seq, table_name, row_id, op, ts FROM ledger_entries`)
	if err != nil {
		return 0, fmt.Errorf("failed to repopulate ledger_tx_index: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit index rebuild: %w", err)
	}
	return count, nil
}

// IndexMaxSeq returns the highest seq present in ledger_tx_index.
func (l *Ledger) IndexMaxSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger_tx_index`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger_tx_index head: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func entryCanonicalBytes(seq uint64, ts int64, op types.Op, table, rowID string, row json.RawMessage, actor types.Actor, prevHash string) ([]byte, error) {
	core := map[string]any{
		"seq":       seq,
		"ts":        ts,
		"op":        string(op),
		"table":     table,
		"row_id":    rowID,
		"row":       row,
		"actor":     map[string]any{"userId": actor.UserID, "username": actor.Username, "role": string(actor.Role)},
		"prev_hash": prevHash,
	}
	return MarshalCanonical(core)
}

func (l *Ledger) hashChain(data []byte) string {
	return hmacHex(l.chainKey, data)
}

func (l *Ledger) sign(data []byte) string {
	return hmacHex(l.signKey, data)
}

func hmacHex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
