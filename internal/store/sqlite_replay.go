package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/overhaulhq/shopsync/internal/types"
	"github.com/overhaulhq/shopsync/internal/validation"
)

// replayBatchSize is how many ledger entries one replay pass reads at a time.
const replayBatchSize = 500

// ReplayResult summarizes a ledger replay.
type ReplayResult struct {
	Entries int64
	Rows    int64
	Owners  int64
}

// ReplayLedger rebuilds the replicated tables, the change log and the row
// ownership registry from the ledger. The ledger is the source of record;
// after restoring a database whose derived state is missing or suspect,
// replaying it reproduces everything else.
//
// The chain is verified first and replay refuses to run on a ledger that
// does not verify. Ownership is re-derived from each row's first ledger
// entry, which is the write that created it.
func (s *SQLiteStore) ReplayLedger(ctx context.Context) (*ReplayResult, error) {
	var result *ReplayResult
	err := s.ledger.Guard(func() error {
		ok, badSeq, err := s.ledger.VerifyChain(ctx, 0, 0)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger does not verify, first bad entry at seq %d", badSeq)
		}
		r, err := s.replayAll(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) replayAll(ctx context.Context) (*ReplayResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replay: %w", err)
	}
	defer tx.Rollback()

	// Children first so foreign keys allow the wipe.
	tables := s.registry.InDependencyOrder()
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+tables[i].SyncName); err != nil {
			return nil, fmt.Errorf("wipe %s: %w", tables[i].SyncName, err)
		}
	}
	for _, derived := range []string{"change_log", "row_owners"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+derived); err != nil {
			return nil, fmt.Errorf("wipe %s: %w", derived, err)
		}
	}

	result := &ReplayResult{}
	owned := make(map[string]bool)
	from := uint64(1)
	for {
		entries, err := s.ledger.RangeTx(ctx, tx, from, replayBatchSize)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for i := range entries {
			if err := s.replayEntry(ctx, tx, &entries[i], owned, result); err != nil {
				return nil, err
			}
		}
		if err := appendChangeLogTx(ctx, tx, entries); err != nil {
			return nil, err
		}
		result.Entries += int64(len(entries))
		from = entries[len(entries)-1].Seq + 1
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replay: %w", err)
	}
	return result, nil
}

// replayEntry applies one ledger entry. Entries are replayed in sequence
// order, so parents land before the children that reference them and newer
// payloads overwrite older ones.
func (s *SQLiteStore) replayEntry(ctx context.Context, tx execContext, e *types.LedgerEntry, owned map[string]bool, result *ReplayResult) error {
	table, ok := s.registry.Lookup(e.Table)
	if !ok {
		return fmt.Errorf("%w: seq %d names %s", ErrUnknownTable, e.Seq, e.Table)
	}

	var raw map[string]any
	if err := json.Unmarshal(e.Row, &raw); err != nil {
		return fmt.Errorf("decode payload at seq %d: %w", e.Seq, err)
	}
	row, verrs := table.NormalizeRow(raw)
	if len(verrs) > 0 {
		return fmt.Errorf("payload at seq %d invalid: %s", e.Seq, validation.Summarize(verrs))
	}

	if err := s.upsertRowTx(ctx, tx, table, row); err != nil {
		return err
	}
	result.Rows++

	key := e.Table + "\x00" + e.RowID
	if !owned[key] {
		owned[key] = true
		if err := claimRowTx(ctx, tx, e.Table, e.RowID, e.Actor, e.TS); err != nil {
			return err
		}
		result.Owners++
	}
	return nil
}

// RebuildTxIndex delegates to the ledger, so operational tooling can reach
// every recovery entry point through the store.
func (s *SQLiteStore) RebuildTxIndex(ctx context.Context) (int64, error) {
	return s.ledger.RebuildTxIndex(ctx)
}

// VerifyLedger verifies the whole chain, returning the first offending
// sequence when verification fails.
func (s *SQLiteStore) VerifyLedger(ctx context.Context) (bool, uint64, error) {
	return s.ledger.VerifyChain(ctx, 0, 0)
}

// LedgerCheckpoint writes a checkpoint if new entries exist since the last
// one.
func (s *SQLiteStore) LedgerCheckpoint(ctx context.Context) (types.Checkpoint, bool, error) {
	return s.ledger.Checkpoint(ctx)
}
