package replica

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
)

// fakeServer records protocol requests and serves scripted responses.
type fakeServer struct {
	mu sync.Mutex

	pushRequests []shopsync.PushRequest
	pushFailures int // 503s to serve before succeeding
	pushResponse shopsync.PushResponse

	pullCalls     int
	pullResponses []shopsync.PullResponse
	// pushes already seen when each pull arrived, for ordering assertions
	pushesAtPull []int

	server *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{pushResponse: shopsync.PushResponse{OK: true}}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req shopsync.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode push request: %v", err)
		}
		f.pushRequests = append(f.pushRequests, req)
		if f.pushFailures > 0 {
			f.pushFailures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.pushResponse)
	})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		resp := shopsync.PullResponse{OK: true}
		if f.pullCalls < len(f.pullResponses) {
			resp = f.pullResponses[f.pullCalls]
		}
		f.pullCalls++
		f.pushesAtPull = append(f.pushesAtPull, len(f.pushRequests))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeServer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushRequests)
}

// newTestSyncer wires a syncer to the fake server with an already-live
// session, bypassing login.
func newTestSyncer(t *testing.T, f *fakeServer) (*Syncer, *Store) {
	t.Helper()
	store := newTestStore(t)
	session := NewSession(f.server.URL, store, 5*time.Second)
	session.accessToken = "test-token"
	session.accessExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	session.refreshToken = "test-refresh"
	return NewSyncer(f.server.URL, session, store, "client-1", 100, 500, 5*time.Second), store
}

func TestSyncer_Push_NothingPending(t *testing.T) {
	f := newFakeServer(t)
	s, _ := newTestSyncer(t, f)

	// When pushing with an empty queue
	stats, err := s.Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Then no request leaves the client
	if f.pushCount() != 0 {
		t.Errorf("expected no push requests, got %d", f.pushCount())
	}
	if stats.Pushed != 0 {
		t.Errorf("expected 0 pushed, got %d", stats.Pushed)
	}
}

func TestSyncer_Push_MarksSyncedAndErrors(t *testing.T) {
	f := newFakeServer(t)
	s, store := newTestSyncer(t, f)
	ctx := context.Background()

	// Given two staged rows, one of which the server will refuse
	stagedEntityType(t, store, "et-1", "engine")
	stagedEntityType(t, store, "et-2", "part")
	f.pushResponse = shopsync.PushResponse{
		OK:      true,
		Applied: 1,
		Errors: []shopsync.RowError{
			{Table: shopsync.TableEntityTypes, ID: "et-2", Reason: "duplicate code for live row"},
		},
	}

	// When the queue is pushed
	stats, err := s.Push(ctx)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if stats.Pushed != 1 || stats.RowErrors != 1 {
		t.Errorf("expected 1 pushed and 1 row error, got %+v", stats)
	}

	// Then the accepted row is synced and the refused one is parked
	_, status, err := store.Get(ctx, shopsync.TableEntityTypes, "et-1")
	if err != nil {
		t.Fatalf("Get et-1: %v", err)
	}
	if status != statusSynced {
		t.Errorf("expected et-1 synced, got %q", status)
	}
	_, status, err = store.Get(ctx, shopsync.TableEntityTypes, "et-2")
	if err != nil {
		t.Fatalf("Get et-2: %v", err)
	}
	if status != statusError {
		t.Errorf("expected et-2 error, got %q", status)
	}

	// And the refused row never re-enters the queue
	packs, _, err := store.CollectPending(ctx, 10, 10)
	if err != nil {
		t.Fatalf("CollectPending: %v", err)
	}
	if len(packs) != 0 {
		t.Errorf("expected empty queue, got %+v", packs)
	}
}

func TestSyncer_Push_DeflectedRowsLeaveTheQueue(t *testing.T) {
	f := newFakeServer(t)
	s, store := newTestSyncer(t, f)
	ctx := context.Background()

	// Given a staged row the server deflects into a change request
	stagedEntityType(t, store, "et-1", "engine")
	f.pushResponse = shopsync.PushResponse{
		OK: true,
		Deflected: []shopsync.Deflection{
			{Table: shopsync.TableEntityTypes, ID: "et-1", ChangeRequestID: "cr-1"},
		},
	}

	// When the queue is pushed
	stats, err := s.Push(ctx)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if stats.Deflected != 1 {
		t.Errorf("expected 1 deflected, got %d", stats.Deflected)
	}

	// Then the row is handled: synced locally, not resent
	_, status, err := store.Get(ctx, shopsync.TableEntityTypes, "et-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status != statusSynced {
		t.Errorf("expected synced after deflection, got %q", status)
	}
}

func TestSyncer_Push_RetriesTransientFailureWithSamePushID(t *testing.T) {
	f := newFakeServer(t)
	s, store := newTestSyncer(t, f)

	// Given one staged row and a server that fails once
	stagedEntityType(t, store, "et-1", "engine")
	f.pushFailures = 1

	// When the queue is pushed
	if _, err := s.Push(context.Background()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Then the retry reused the push id, so the server can replay its
	// cached response instead of reapplying
	if f.pushCount() != 2 {
		t.Fatalf("expected 2 push attempts, got %d", f.pushCount())
	}
	if f.pushRequests[0].PushID == "" || f.pushRequests[0].PushID != f.pushRequests[1].PushID {
		t.Errorf("expected identical push ids, got %q and %q",
			f.pushRequests[0].PushID, f.pushRequests[1].PushID)
	}
}

func TestSyncer_Pull_DrainsUntilNoMore(t *testing.T) {
	f := newFakeServer(t)
	s, store := newTestSyncer(t, f)
	ctx := context.Background()

	// Given a server feed spanning two windows
	f.pullResponses = []shopsync.PullResponse{
		{
			OK: true,
			Changes: []shopsync.TableChanges{
				{Table: shopsync.TableEntityTypes, Rows: []map[string]any{
					{"id": "et-1", "code": "engine", "name": "Engine",
						"created_at": int64(100), "updated_at": int64(100), "deleted_at": nil},
				}},
			},
			NextCursor: 1,
			HasMore:    true,
		},
		{
			OK: true,
			Changes: []shopsync.TableChanges{
				{Table: shopsync.TableEntityTypes, Rows: []map[string]any{
					{"id": "et-2", "code": "part", "name": "Part",
						"created_at": int64(200), "updated_at": int64(200), "deleted_at": nil},
				}},
			},
			NextCursor: 2,
			HasMore:    false,
		},
	}

	// When the feed is pulled
	stats, err := s.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	// Then both windows landed and the cursor sits at the head
	if stats.Pulled != 2 {
		t.Errorf("expected 2 pulled rows, got %d", stats.Pulled)
	}
	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != 2 {
		t.Errorf("expected cursor 2, got %d", cursor)
	}
	rows, err := store.List(ctx, shopsync.TableEntityTypes, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 projected rows, got %d", len(rows))
	}
}

func TestSyncer_Pull_EmptyFeedIsANoOp(t *testing.T) {
	f := newFakeServer(t)
	s, store := newTestSyncer(t, f)
	ctx := context.Background()

	stats, err := s.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if stats.Pulled != 0 {
		t.Errorf("expected nothing pulled, got %d", stats.Pulled)
	}
	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected cursor 0, got %d", cursor)
	}
}

func TestSyncer_Ping(t *testing.T) {
	f := newFakeServer(t)
	s, _ := newTestSyncer(t, f)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
