// Package replica is the client SDK for the sync server: a local SQLite
// projection of the replicated tables, a pending queue for outbound edits,
// and a polling push/pull loop that keeps the two coherent. Edits land
// locally first and survive offline periods; the background loop drains them
// whenever the server is reachable.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("replica: client is closed")

// Config holds the replica client configuration.
type Config struct {
	// ServerURL is the sync server base URL, without a trailing slash.
	ServerURL string
	// LocalPath is the local database path.
	LocalPath string
	// PollInterval is the background sync cadence. Default 20s.
	PollInterval time.Duration
	// HTTPTimeout bounds each protocol request. Default 30s.
	HTTPTimeout time.Duration
	// PushMaxPerTable / PushMaxTotal cap one push pack. Defaults 1000 / 5000,
	// matching the server's limits.
	PushMaxPerTable int
	PushMaxTotal    int
	// PullLimit caps one pull window. Zero uses the server default.
	PullLimit int
	// AutoSync starts the background loop on Start. Disabled clients sync
	// only through SyncNow.
	AutoSync bool
}

// Client is the replica handle an application holds: local reads and staged
// writes, explicit or background synchronization, and session management.
type Client struct {
	config  Config
	store   *Store
	session *Session
	syncer  *Syncer

	mu       sync.Mutex
	closed   bool
	looping  bool
	syncDone chan struct{}
	loopDone chan struct{}
}

// New opens the local database and binds the client to the server. The
// replica's stable client id is minted on first open and persists in the
// local database.
func New(cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("replica: LocalPath is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("replica: ServerURL is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.PushMaxPerTable == 0 {
		cfg.PushMaxPerTable = 1000
	}
	if cfg.PushMaxTotal == 0 {
		cfg.PushMaxTotal = 5000
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		return nil, err
	}
	clientID, err := store.ClientID(context.Background())
	if err != nil {
		store.Close()
		return nil, err
	}

	session := NewSession(cfg.ServerURL, store, cfg.HTTPTimeout)
	syncer := NewSyncer(cfg.ServerURL, session, store, clientID,
		cfg.PushMaxPerTable, cfg.PushMaxTotal, cfg.HTTPTimeout)
	syncer.pullLimit = cfg.PullLimit

	return &Client{
		config:   cfg,
		store:    store,
		session:  session,
		syncer:   syncer,
		syncDone: make(chan struct{}),
	}, nil
}

// Login opens a session. The rotated refresh token persists locally, so a
// restarted client resumes with Resume instead.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.session.Login(ctx, username, password)
}

// Resume restores the persisted session, if any.
func (c *Client) Resume(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.session.Resume(ctx)
}

// Logout revokes the session server-side and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.session.Logout(ctx)
}

// User returns the account of the active session, or nil.
func (c *Client) User() *User {
	return c.session.User()
}

// Stage validates a wire row and queues it for the next push.
func (c *Client) Stage(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.Stage(ctx, table, row)
}

// Delete stages a soft delete of a local row.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.Delete(ctx, table, id)
}

// Get returns one local row and its sync status.
func (c *Client) Get(ctx context.Context, table, id string) (map[string]any, string, error) {
	if err := c.check(); err != nil {
		return nil, "", err
	}
	return c.store.Get(ctx, table, id)
}

// List returns the live rows of a table, most recently updated first.
func (c *Client) List(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.List(ctx, table, limit)
}

// ValuesFor returns the live attribute values of one entity.
func (c *Client) ValuesFor(ctx context.Context, entityID string) ([]map[string]any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.ValuesFor(ctx, entityID)
}

// Stats summarizes the local replication state.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	if err := c.check(); err != nil {
		return Stats{}, err
	}
	return c.store.Stats(ctx)
}

// Ping checks server connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.syncer.Ping(ctx)
}

// SyncNow runs one full cycle: push the pending queue, then pull from the
// stored cursor. Cycles are serialized; a second caller waits for the first.
func (c *Client) SyncNow(ctx context.Context) (*SyncStats, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.syncOnce(ctx)
}

// syncOnce pushes before pulling so a cycle never projects server rows over
// edits it has not offered yet. Callers hold c.mu.
func (c *Client) syncOnce(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	pushStats, err := c.syncer.Push(ctx)
	if err != nil {
		return nil, err
	}
	pullStats, err := c.syncer.Pull(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStats{
		Pushed:    pushStats.Pushed,
		Deflected: pushStats.Deflected,
		RowErrors: pushStats.RowErrors,
		Invalid:   pushStats.Invalid,
		Pulled:    pullStats.Pulled,
		Duration:  time.Since(start),
	}, nil
}

// Start launches the background sync loop when AutoSync is enabled. Safe to
// call more than once; only one loop ever runs.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.looping || !c.config.AutoSync {
		return
	}
	c.looping = true
	c.loopDone = make(chan struct{})
	go c.syncLoop()
}

// Close stops the background loop, attempts a final push, and closes the
// local database.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.syncDone)
	loopDone := c.loopDone
	c.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}

	// Best effort: drain anything staged since the last cycle.
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HTTPTimeout)
	defer cancel()
	_, _ = c.syncer.Push(ctx)

	return c.store.Close()
}

func (c *Client) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// syncLoop polls on the configured cadence. Failed cycles are dropped; the
// next tick retries from the same pending queue and cursor, so the loop as a
// whole retries forever without ever pipelining two cycles.
func (c *Client) syncLoop() {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.syncDone:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.config.PollInterval)
			_, _ = c.syncOnce(ctx)
			cancel()
			c.mu.Unlock()
		}
	}
}
