package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
)

// deflectEdit seeds an owner and a second user, has the owner create a row
// and the second user push a conflicting edit. Returns both tokens and the
// resulting change request id.
func deflectEdit(t *testing.T, e *testEnv) (ownerToken, authorToken, crID string) {
	t.Helper()
	owner := e.seedUser(t, "karpov", "workshop9", types.RoleUser)
	author := e.seedUser(t, "lomov", "workshop9", types.RoleUser)
	ownerToken = e.token(t, owner)
	authorToken = e.token(t, author)

	e.push(t, ownerToken, pack(shopsync.TableEntityTypes, entityTypeRow("et-1", "engine", "Engine", 1000)))
	resp := e.push(t, authorToken, pack(shopsync.TableEntityTypes, entityTypeRow("et-1", "engine", "Diesel engine", 2000)))
	if len(resp.Deflected) != 1 {
		t.Fatalf("expected a deflected row, got %+v", resp)
	}
	return ownerToken, authorToken, resp.Deflected[0].ChangeRequestID
}

func (e *testEnv) listChanges(t *testing.T, token, query string) []types.ChangeRequest {
	t.Helper()
	w := e.request(t, http.MethodGet, "/changes"+query, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list changes: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp changesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode changes response: %v", err)
	}
	return resp.Changes
}

func TestListChanges_EmptyArray(t *testing.T) {
	e := newTestEnv(t)
	u := e.seedUser(t, "karpov", "workshop9", types.RoleUser)

	w := e.request(t, http.MethodGet, "/changes", e.token(t, u), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// The empty list must encode as [] so clients can iterate it blindly
	if body := w.Body.String(); !strings.Contains(body, `"changes":[]`) {
		t.Errorf("expected empty array in body, got %s", body)
	}
}

func TestListChanges_ShowsPendingEdit(t *testing.T) {
	e := newTestEnv(t)
	ownerToken, _, crID := deflectEdit(t, e)

	changes := e.listChanges(t, ownerToken, "")

	if len(changes) != 1 {
		t.Fatalf("expected 1 change request, got %d", len(changes))
	}
	cr := changes[0]
	if cr.ID != crID {
		t.Errorf("id = %q, want %q", cr.ID, crID)
	}
	if cr.Status != types.ChangeRequestPending {
		t.Errorf("status = %q, want pending", cr.Status)
	}
	if cr.TableName != shopsync.TableEntityTypes || cr.RowID != "et-1" {
		t.Errorf("unexpected target: %s/%s", cr.TableName, cr.RowID)
	}
	if cr.ChangeAuthor != "lomov" || cr.RecordOwner != "karpov" {
		t.Errorf("author = %q, owner = %q", cr.ChangeAuthor, cr.RecordOwner)
	}
	if len(cr.BeforeJSON) == 0 || len(cr.AfterJSON) == 0 {
		t.Error("expected before and after snapshots")
	}
}

func TestListChanges_StatusFilter(t *testing.T) {
	e := newTestEnv(t)
	ownerToken, _, crID := deflectEdit(t, e)

	w := e.request(t, http.MethodPost, "/changes/"+crID+"/apply", ownerToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("apply: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := e.listChanges(t, ownerToken, "?status=applied"); len(got) != 1 {
		t.Errorf("applied filter: got %d, want 1", len(got))
	}
	if got := e.listChanges(t, ownerToken, "?status=pending"); len(got) != 0 {
		t.Errorf("pending filter: got %d, want 0", len(got))
	}
}

func TestListChanges_InvalidStatus(t *testing.T) {
	e := newTestEnv(t)
	u := e.seedUser(t, "karpov", "workshop9", types.RoleUser)

	w := e.request(t, http.MethodGet, "/changes?status=bogus", e.token(t, u), nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	p := decodeProblem(t, w)
	if !strings.Contains(p.Detail, "bogus") {
		t.Errorf("detail = %q", p.Detail)
	}
}

func TestListChanges_BadLimit(t *testing.T) {
	e := newTestEnv(t)
	u := e.seedUser(t, "karpov", "workshop9", types.RoleUser)
	token := e.token(t, u)

	for _, limit := range []string{"0", "-1", "abc"} {
		w := e.request(t, http.MethodGet, "/changes?limit="+limit, token, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", limit, w.Code)
		}
	}
}

// TestListChanges_NoiseHiddenByDefault verifies requests whose diff touches
// no significant field stay out of the moderation view unless asked for.
func TestListChanges_NoiseHiddenByDefault(t *testing.T) {
	e := newTestEnv(t)
	owner := e.seedUser(t, "karpov", "workshop9", types.RoleUser)
	author := e.seedUser(t, "lomov", "workshop9", types.RoleUser)
	ownerToken := e.token(t, owner)

	e.push(t, ownerToken, pack(shopsync.TableEntityTypes, entityTypeRow("et-1", "engine", "Engine", 1000)))

	// Same code and name, only the timestamp moved
	resp := e.push(t, e.token(t, author), pack(shopsync.TableEntityTypes, entityTypeRow("et-1", "engine", "Engine", 2000)))
	if len(resp.Deflected) != 1 {
		t.Fatalf("expected a deflected row, got %+v", resp)
	}

	if got := e.listChanges(t, ownerToken, ""); len(got) != 0 {
		t.Errorf("default view: got %d requests, want noise hidden", len(got))
	}
	if got := e.listChanges(t, ownerToken, "?includeNoise=true"); len(got) != 1 {
		t.Errorf("includeNoise: got %d requests, want 1", len(got))
	}
}

func TestListChanges_RequiresAuth(t *testing.T) {
	e := newTestEnv(t)

	w := e.request(t, http.MethodGet, "/changes", "", nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestApplyChange_OwnerApplies(t *testing.T) {
	e := newTestEnv(t)
	ownerToken, _, crID := deflectEdit(t, e)

	w := e.request(t, http.MethodPost, "/changes/"+crID+"/apply", ownerToken, decideRequest{Note: "looks right"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cr types.ChangeRequest
	if err := json.NewDecoder(w.Body).Decode(&cr); err != nil {
		t.Fatalf("decode change request: %v", err)
	}
	if cr.Status != types.ChangeRequestApplied {
		t.Errorf("status = %q, want applied", cr.Status)
	}
	if cr.DecidedBy == nil || *cr.DecidedBy != "karpov" {
		t.Errorf("decidedBy = %v, want karpov", cr.DecidedBy)
	}
	if cr.DecidedAt == nil {
		t.Error("expected a decision timestamp")
	}
	if cr.Note != "looks right" {
		t.Errorf("note = %q", cr.Note)
	}

	// The proposed edit is now the authoritative row
	pull := e.pull(t, ownerToken, "")
	name := ""
	for _, tc := range pull.Changes {
		if tc.Table != shopsync.TableEntityTypes {
			continue
		}
		for _, row := range tc.Rows {
			if row["id"] == "et-1" {
				name, _ = row["name"].(string)
			}
		}
	}
	if name != "Diesel engine" {
		t.Errorf("row name after apply = %q, want the proposed edit", name)
	}
}

func TestApplyChange_SecondDecisionConflicts(t *testing.T) {
	e := newTestEnv(t)
	ownerToken, _, crID := deflectEdit(t, e)

	w := e.request(t, http.MethodPost, "/changes/"+crID+"/apply", ownerToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first apply: expected 200, got %d", w.Code)
	}

	w = e.request(t, http.MethodPost, "/changes/"+crID+"/apply", ownerToken, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second apply: expected 409, got %d", w.Code)
	}
}

func TestApplyChange_AuthorForbidden(t *testing.T) {
	e := newTestEnv(t)
	_, authorToken, crID := deflectEdit(t, e)

	// The proposing user cannot approve their own edit
	w := e.request(t, http.MethodPost, "/changes/"+crID+"/apply", authorToken, nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestApplyChange_AdminMayDecide(t *testing.T) {
	e := newTestEnv(t)
	_, _, crID := deflectEdit(t, e)
	admin := e.seedUser(t, "orlova", "workshop9", types.RoleAdmin)

	w := e.request(t, http.MethodPost, "/changes/"+crID+"/apply", e.token(t, admin), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cr types.ChangeRequest
	if err := json.NewDecoder(w.Body).Decode(&cr); err != nil {
		t.Fatalf("decode change request: %v", err)
	}
	if cr.DecidedBy == nil || *cr.DecidedBy != "orlova" {
		t.Errorf("decidedBy = %v, want orlova", cr.DecidedBy)
	}
}

func TestApplyChange_UnknownID(t *testing.T) {
	e := newTestEnv(t)
	u := e.seedUser(t, "karpov", "workshop9", types.RoleUser)

	w := e.request(t, http.MethodPost, "/changes/nope/apply", e.token(t, u), nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRejectChange_OwnerRejects(t *testing.T) {
	e := newTestEnv(t)
	ownerToken, _, crID := deflectEdit(t, e)

	w := e.request(t, http.MethodPost, "/changes/"+crID+"/reject", ownerToken, decideRequest{Note: "not this one"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cr types.ChangeRequest
	if err := json.NewDecoder(w.Body).Decode(&cr); err != nil {
		t.Fatalf("decode change request: %v", err)
	}
	if cr.Status != types.ChangeRequestRejected {
		t.Errorf("status = %q, want rejected", cr.Status)
	}
	if cr.Note != "not this one" {
		t.Errorf("note = %q", cr.Note)
	}

	// The stored row keeps the owner's version
	pull := e.pull(t, ownerToken, "")
	name := ""
	for _, tc := range pull.Changes {
		if tc.Table != shopsync.TableEntityTypes {
			continue
		}
		for _, row := range tc.Rows {
			if row["id"] == "et-1" {
				name, _ = row["name"].(string)
			}
		}
	}
	if name != "Engine" {
		t.Errorf("row name after reject = %q, want the owner's version", name)
	}
}

func TestRejectChange_AuthorForbidden(t *testing.T) {
	e := newTestEnv(t)
	_, authorToken, crID := deflectEdit(t, e)

	w := e.request(t, http.MethodPost, "/changes/"+crID+"/reject", authorToken, nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

// The list and both decision endpoints answer with an ok flag so clients
// can branch on the body alone.
func TestChangeResponses_CarryOKFlag(t *testing.T) {
	e := newTestEnv(t)
	ownerToken, _, crID := deflectEdit(t, e)

	list := e.request(t, http.MethodGet, "/changes", ownerToken, nil)
	apply := e.request(t, http.MethodPost, "/changes/"+crID+"/apply", ownerToken, nil)
	if apply.Code != http.StatusOK {
		t.Fatalf("apply: expected 200, got %d: %s", apply.Code, apply.Body.String())
	}

	for name, body := range map[string]string{
		"list":  list.Body.String(),
		"apply": apply.Body.String(),
	} {
		var fields map[string]any
		if err := json.Unmarshal([]byte(body), &fields); err != nil {
			t.Fatalf("decode %s body: %v", name, err)
		}
		if ok, _ := fields["ok"].(bool); !ok {
			t.Errorf("%s response missing ok flag: %s", name, body)
		}
	}
}
