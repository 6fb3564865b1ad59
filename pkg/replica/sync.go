package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
)

// Retry policy for control-path requests: three attempts, exponential
// backoff from 500ms capped at 2s, with jitter. The background loop gets the
// same ceiling per cycle and retries forever across cycles.
const (
	retryBaseDelay  = 500 * time.Millisecond
	retryCap        = 2 * time.Second
	retryJitter     = 250 * time.Millisecond
	retryExtraTries = 2
)

// SyncStats reports what one sync cycle moved.
type SyncStats struct {
	Pushed    int
	Deflected int
	RowErrors int
	Invalid   int
	Pulled    int
	Duration  time.Duration
}

// Syncer drives the push/pull protocol for one replica. Push sends the
// staged rows in dependency order; pull projects the server's change feed
// and advances the cursor. The client serializes calls, so at most one push
// and one pull are ever in flight.
type Syncer struct {
	baseURL     string
	session     *Session
	store       *Store
	client      *http.Client
	clientID    string
	maxPerTable int
	maxTotal    int
	pullLimit   int
}

// NewSyncer creates a syncer bound to the server, session and local store.
func NewSyncer(baseURL string, session *Session, store *Store, clientID string, maxPerTable, maxTotal int, httpTimeout time.Duration) *Syncer {
	return &Syncer{
		baseURL:     baseURL,
		session:     session,
		store:       store,
		client:      &http.Client{Timeout: httpTimeout},
		clientID:    clientID,
		maxPerTable: maxPerTable,
		maxTotal:    maxTotal,
	}
}

// Push sends every staged row. On acknowledgement, rows the server listed as
// errors flip to 'error'; everything else sent — applied and deflected alike
// — flips to 'synced' and leaves the pending queue.
func (s *Syncer) Push(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{}

	packs, invalid, err := s.store.CollectPending(ctx, s.maxPerTable, s.maxTotal)
	if err != nil {
		return nil, err
	}
	stats.Invalid = invalid
	if len(packs) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	// One push id across retries: a retried request replays the server's
	// cached response instead of reapplying the pack.
	req := &shopsync.PushRequest{
		PushID:   ulid.Make().String(),
		ClientID: s.clientID,
		Upserts:  packs,
	}
	var resp shopsync.PushResponse
	if err := s.sendJSON(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}

	failed := make(map[string]map[string]bool, len(resp.Errors))
	for _, re := range resp.Errors {
		if failed[re.Table] == nil {
			failed[re.Table] = make(map[string]bool)
		}
		failed[re.Table][re.ID] = true
	}

	for _, pack := range packs {
		synced := make([]map[string]any, 0, len(pack.Rows))
		errored := make([]map[string]any, 0)
		table, _ := s.store.registry.Lookup(pack.Table)
		for _, row := range pack.Rows {
			if failed[pack.Table][table.RowID(row)] {
				errored = append(errored, row)
			} else {
				synced = append(synced, row)
			}
		}
		if err := s.store.MarkSynced(ctx, pack.Table, synced); err != nil {
			return nil, err
		}
		if err := s.store.MarkError(ctx, pack.Table, errored); err != nil {
			return nil, err
		}
	}

	stats.Pushed = resp.Applied
	stats.Deflected = len(resp.Deflected)
	stats.RowErrors = len(resp.Errors)
	stats.Duration = time.Since(start)
	return stats, nil
}

// Pull drains the server's change feed from the stored cursor until the
// server reports no more, projecting each window atomically with its cursor.
func (s *Syncer) Pull(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{}

	for {
		cursor, err := s.store.Cursor(ctx)
		if err != nil {
			return nil, err
		}

		path := fmt.Sprintf("/sync/pull?cursor=%d", cursor)
		if s.pullLimit > 0 {
			path = fmt.Sprintf("%s&limit=%d", path, s.pullLimit)
		}
		var resp shopsync.PullResponse
		if err := s.sendJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}

		if resp.NextCursor > cursor {
			applied, err := s.store.ApplyPull(ctx, &resp)
			if err != nil {
				return nil, err
			}
			stats.Pulled += applied
		}
		if !resp.HasMore {
			break
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// Ping checks connectivity without touching local state.
func (s *Syncer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// transientStatus reports whether a response status is worth retrying.
// Server-side 5xx and network failures retry; everything else is terminal.
func transientStatus(code int) bool {
	return code >= 500
}

// sendJSON sends one authenticated protocol request with retry and backoff.
// A 401 re-enters the session's refresh chain once before giving up.
func (s *Syncer) sendJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		payload = data
	}

	backoff := retry.WithMaxRetries(retryExtraTries,
		retry.WithJitter(retryJitter,
			retry.WithCappedDuration(retryCap,
				retry.NewExponential(retryBaseDelay))))

	refreshed := false
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := s.session.AccessToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("request %s: %w", path, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return ErrSessionExpired
			}
			refreshed = true
			if err := s.session.refresh(ctx); err != nil {
				return err
			}
			return retry.RetryableError(fmt.Errorf("request %s: access token rejected", path))
		case transientStatus(resp.StatusCode):
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return retry.RetryableError(fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, detail))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, detail)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}
