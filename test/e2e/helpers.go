package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/overhaulhq/shopsync/internal/api"
	"github.com/overhaulhq/shopsync/internal/auth"
	"github.com/overhaulhq/shopsync/internal/ledger"
	"github.com/overhaulhq/shopsync/internal/store"
	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
	"github.com/overhaulhq/shopsync/pkg/replica"
)

// env is one live server: a file-backed database behind the full router,
// listening on a real port so replica clients exercise the actual HTTP path.
type env struct {
	db     *sql.DB
	store  *store.SQLiteStore
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.RunMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	led, err := ledger.New(db, []byte("e2e-chain-key"), []byte("e2e-sign-key"))
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	st := store.New(db, dbPath, shopsync.DefaultRegistry(), led)

	issuer, err := auth.NewTokenIssuer([]byte("e2e-access-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	svc, err := auth.NewService(st, issuer, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	limits := api.Limits{
		PushMaxTotal:    1000,
		PushMaxPerTable: 500,
		PullLimit:       200,
		PollIntervalMs:  20000,
	}
	h := api.NewHandler(st, svc, issuer, limits, []string{"*"}, "e2e")
	server := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(server.Close)

	return &env{db: db, store: st, server: server}
}

func (e *env) seedUser(t *testing.T, username, password string, role types.Role) *types.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := e.store.CreateUser(context.Background(), username, hash, role)
	if err != nil {
		t.Fatalf("CreateUser %s: %v", username, err)
	}
	return u
}

// newReplica opens a logged-in replica client against the server, each with
// its own local database, as one device of the named user.
func (e *env) newReplica(t *testing.T, username, password string) *replica.Client {
	t.Helper()
	c, err := replica.New(replica.Config{
		ServerURL: e.server.URL,
		LocalPath: filepath.Join(t.TempDir(), username+"-replica.db"),
	})
	if err != nil {
		t.Fatalf("replica.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Login(context.Background(), username, password); err != nil {
		t.Fatalf("replica login %s: %v", username, err)
	}
	return c
}

// login authenticates over HTTP and returns a bearer access token, for
// requests the replica SDK does not cover (moderation, raw protocol pushes).
func (e *env) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(e.server.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var session struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return session.AccessToken
}

// request performs one authenticated HTTP request against the live server and
// decodes the JSON response into out when out is non-nil.
func (e *env) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		payload = data
	}
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// pendingChanges lists the moderation queue through the admin endpoint.
func (e *env) pendingChanges(t *testing.T, token string) []types.ChangeRequest {
	t.Helper()
	var out struct {
		Changes []types.ChangeRequest `json:"changes"`
	}
	code := e.request(t, http.MethodGet, "/changes?status=pending&includeNoise=true", token, nil, &out)
	if code != http.StatusOK {
		t.Fatalf("list changes: status %d", code)
	}
	return out.Changes
}

func (e *env) applyChange(t *testing.T, token, id, note string) types.ChangeRequest {
	t.Helper()
	var cr types.ChangeRequest
	code := e.request(t, http.MethodPost, "/changes/"+id+"/apply", token,
		map[string]string{"note": note}, &cr)
	if code != http.StatusOK {
		t.Fatalf("apply change %s: status %d", id, code)
	}
	return cr
}

// changeLogCount reads the server's change feed length directly.
func (e *env) changeLogCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := e.db.QueryRow("SELECT COUNT(*) FROM change_log").Scan(&n); err != nil {
		t.Fatalf("count change_log: %v", err)
	}
	return n
}

// syncNow runs one replica cycle and fails the test on error.
func syncNow(t *testing.T, c *replica.Client) *replica.SyncStats {
	t.Helper()
	stats, err := c.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	return stats
}

// stage queues one row on a replica and fails the test on error.
func stage(t *testing.T, c *replica.Client, table string, row map[string]any) map[string]any {
	t.Helper()
	staged, err := c.Stage(context.Background(), table, row)
	if err != nil {
		t.Fatalf("Stage %s: %v", table, err)
	}
	return staged
}

// seedCatalog pushes a minimal repair-shop catalog through one replica: an
// engine type with a number attribute, one engine, and its number value.
func seedCatalog(t *testing.T, c *replica.Client) {
	t.Helper()
	stage(t, c, shopsync.TableEntityTypes, map[string]any{
		"id": "et-engine", "code": "engine", "name": "Engine",
	})
	stage(t, c, shopsync.TableAttributeDefs, map[string]any{
		"id": "ad-number", "entity_type_id": "et-engine", "code": "engine_number",
		"name": "Engine number", "data_type": "text", "required": true, "sort_order": 1,
	})
	stage(t, c, shopsync.TableEntities, map[string]any{
		"id": "en-1", "entity_type_id": "et-engine",
	})
	stage(t, c, shopsync.TableAttributeValues, map[string]any{
		"id": "av-1", "entity_id": "en-1", "attribute_def_id": "ad-number",
		"value_json": `"ZMZ-511-001"`,
	})
	stats := syncNow(t, c)
	if stats.RowErrors != 0 || stats.Deflected != 0 {
		t.Fatalf("seed sync rejected rows: %+v", stats)
	}
}

// rawPush sends a protocol-level push with an explicit push id.
func (e *env) rawPush(t *testing.T, token, pushID string, packs ...shopsync.TablePack) shopsync.PushResponse {
	t.Helper()
	var resp shopsync.PushResponse
	code := e.request(t, http.MethodPost, "/sync/push", token, shopsync.PushRequest{
		PushID:   pushID,
		ClientID: "e2e-raw",
		Upserts:  packs,
	}, &resp)
	if code != http.StatusOK {
		t.Fatalf("raw push: status %d", code)
	}
	return resp
}

// entityTypeRow builds an entity_types wire row with explicit timestamps.
func entityTypeRow(id, code, name string, ts int64) map[string]any {
	return map[string]any{
		"id": id, "code": code, "name": name,
		"created_at": ts, "updated_at": ts, "deleted_at": nil,
	}
}
