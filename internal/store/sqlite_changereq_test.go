package store

import (
	"context"
	"errors"
	"testing"

	"github.com/overhaulhq/shopsync/internal/types"
)

// deflectTypeEdit pushes a foreign edit to et-1 as sidorov and returns the
// resulting change request id.
func deflectTypeEdit(t *testing.T, s *SQLiteStore, name string, ts int64) string {
	t.Helper()
	resp := mustPush(t, s, actorSidorov(), pushReq(
		pack("entity_types", entityTypeRow("et-1", "engine", name, ts)),
	))
	if len(resp.Deflected) != 1 {
		t.Fatalf("expected a deflection, got %+v", resp)
	}
	return resp.Deflected[0].ChangeRequestID
}

// deflectValueEdit seeds av-1 as karpov, then pushes a foreign edit to it as
// sidorov and returns the change request id.
func deflectValueEdit(t *testing.T, s *SQLiteStore, value string, ts int64) string {
	t.Helper()
	mustPush(t, s, actorKarpov(), pushReq(
		pack("attribute_values", attributeValueRow("av-1", "e-1", "ad-1", `"old"`, 200)),
	))
	resp := mustPush(t, s, actorSidorov(), pushReq(
		pack("attribute_values", attributeValueRow("av-1", "e-1", "ad-1", value, ts)),
	))
	if len(resp.Deflected) != 1 {
		t.Fatalf("expected a deflection, got %+v", resp)
	}
	return resp.Deflected[0].ChangeRequestID
}

func TestApplyChangeRequest_OwnerApplies(t *testing.T) {
	// Given: A pending request from sidorov against karpov's row
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)
	setClock(s, 3_000)
	headBefore := ledgerHead(t, s)

	// When: The owner applies it
	cr, err := s.ApplyChangeRequest(context.Background(), crID, actorKarpov(), "looks right")
	if err != nil {
		t.Fatalf("ApplyChangeRequest failed: %v", err)
	}

	// Then: The request is terminal with the decision recorded
	if cr.Status != types.ChangeRequestApplied {
		t.Errorf("expected applied status, got %s", cr.Status)
	}
	if cr.DecidedByID == nil || *cr.DecidedByID != "u-1" {
		t.Errorf("expected decided_by_id u-1, got %v", cr.DecidedByID)
	}
	if cr.DecidedAt == nil || *cr.DecidedAt != 3_000 {
		t.Errorf("expected decided_at 3000, got %v", cr.DecidedAt)
	}
	if cr.Note != "looks right" {
		t.Errorf("expected note stored, got %q", cr.Note)
	}

	// And: The proposed row is now current, stamped with the decision time
	var name string
	var createdAt, updatedAt int64
	err = s.db.QueryRow(`SELECT name, created_at, updated_at FROM entity_types WHERE id = 'et-1'`).
		Scan(&name, &createdAt, &updatedAt)
	if err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if name != "Diesel Engine" {
		t.Errorf("expected Diesel Engine, got %q", name)
	}
	if createdAt != 100 {
		t.Errorf("expected created_at preserved at 100, got %d", createdAt)
	}
	if updatedAt != 3_000 {
		t.Errorf("expected updated_at 3000, got %d", updatedAt)
	}

	// And: The ledger entry names the decider, not the author
	entries, err := s.ledger.Range(context.Background(), headBefore+1, 10)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 new ledger entry, got %d", len(entries))
	}
	if entries[0].Actor.UserID != "u-1" {
		t.Errorf("expected ledger actor u-1, got %s", entries[0].Actor.UserID)
	}
}

func TestApplyChangeRequest_ProposalWinsOverLaterOwnerEdit(t *testing.T) {
	// Given: The owner edits the row after the request was filed
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)
	mustPush(t, s, actorKarpov(), pushReq(
		pack("entity_types", entityTypeRow("et-1", "engine", "Engine V3", 2_500)),
	))
	setClock(s, 3_000)

	// When: The request is applied afterwards
	if _, err := s.ApplyChangeRequest(context.Background(), crID, actorKarpov(), ""); err != nil {
		t.Fatalf("ApplyChangeRequest failed: %v", err)
	}

	// Then: The applied proposal overrides the interim edit
	var name string
	if err := s.db.QueryRow(`SELECT name FROM entity_types WHERE id = 'et-1'`).Scan(&name); err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if name != "Diesel Engine" {
		t.Errorf("expected Diesel Engine, got %q", name)
	}
}

func TestApplyChangeRequest_AdminAppliesChildAndParentIsTouched(t *testing.T) {
	// Given: A pending request against an attribute value
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectValueEdit(t, s, `"corrected"`, 400)
	setClock(s, 4_000)
	headBefore := ledgerHead(t, s)

	// When: An admin applies it
	cr, err := s.ApplyChangeRequest(context.Background(), crID, actorPetrova(), "")
	if err != nil {
		t.Fatalf("ApplyChangeRequest failed: %v", err)
	}
	if cr.Status != types.ChangeRequestApplied {
		t.Fatalf("expected applied status, got %s", cr.Status)
	}

	// Then: The value is written and the parent entity touched, both ledgered
	var value string
	if err := s.db.QueryRow(`SELECT value_json FROM attribute_values WHERE id = 'av-1'`).Scan(&value); err != nil {
		t.Fatalf("failed to read value: %v", err)
	}
	if value != `"corrected"` {
		t.Errorf("expected corrected value, got %s", value)
	}
	var entityUpdated int64
	if err := s.db.QueryRow(`SELECT updated_at FROM entities WHERE id = 'e-1'`).Scan(&entityUpdated); err != nil {
		t.Fatalf("failed to read entity: %v", err)
	}
	if entityUpdated != 4_000 {
		t.Errorf("expected entity touched at 4000, got %d", entityUpdated)
	}
	entries, err := s.ledger.Range(context.Background(), headBefore+1, 10)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected value write plus parent touch, got %d entries", len(entries))
	}
	if entries[0].Table != "attribute_values" || entries[1].Table != "entities" {
		t.Errorf("unexpected entry tables %s, %s", entries[0].Table, entries[1].Table)
	}
	if entries[0].Actor.UserID != "a-1" {
		t.Errorf("expected ledger actor a-1, got %s", entries[0].Actor.UserID)
	}
}

func TestApplyChangeRequest_AuthorCannotDecideOwnRequest(t *testing.T) {
	// Given: A pending request authored by sidorov
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)

	// When: Sidorov tries to apply it
	_, err := s.ApplyChangeRequest(context.Background(), crID, actorSidorov(), "")

	// Then: The decision is forbidden and the request stays pending
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	cr, err := s.GetChangeRequest(context.Background(), crID)
	if err != nil {
		t.Fatalf("GetChangeRequest failed: %v", err)
	}
	if cr.Status != types.ChangeRequestPending {
		t.Errorf("expected pending status, got %s", cr.Status)
	}
}

func TestApplyChangeRequest_UnrelatedUserForbidden(t *testing.T) {
	// Given: A pending request on karpov's row
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)

	// When: A third user with no stake tries to decide it
	bystander := types.Actor{UserID: "u-3", Username: "fomin", Role: types.RoleUser}
	_, err := s.ApplyChangeRequest(context.Background(), crID, bystander, "")

	// Then: The decision is forbidden
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestApplyChangeRequest_AlreadyDecidedConflicts(t *testing.T) {
	// Given: A request that has already been applied
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)
	if _, err := s.ApplyChangeRequest(context.Background(), crID, actorKarpov(), ""); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	// When: It is applied or rejected again
	_, applyErr := s.ApplyChangeRequest(context.Background(), crID, actorKarpov(), "")
	_, rejectErr := s.RejectChangeRequest(context.Background(), crID, actorKarpov(), "")

	// Then: Both decisions report a state conflict
	if !errors.Is(applyErr, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict on re-apply, got %v", applyErr)
	}
	if !errors.Is(rejectErr, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict on reject-after-apply, got %v", rejectErr)
	}
}

func TestApplyChangeRequest_MissingRequest(t *testing.T) {
	// Given: An id with no request behind it
	s := newTestStore(t)

	// When: It is applied
	_, err := s.ApplyChangeRequest(context.Background(), "cr-none", actorPetrova(), "")

	// Then: The call reports not found
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyChangeRequest_RevalidationFailureLeavesPending(t *testing.T) {
	// Given: A pending value edit whose entity is deleted before the decision
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectValueEdit(t, s, `"corrected"`, 400)
	gone := entityRow("e-1", "et-1", 500)
	gone["deleted_at"] = int64(500)
	mustPush(t, s, actorKarpov(), pushReq(pack("entities", gone)))

	// When: The owner applies the request
	_, err := s.ApplyChangeRequest(context.Background(), crID, actorKarpov(), "")

	// Then: Re-validation fails and the request stays pending
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	cr, err := s.GetChangeRequest(context.Background(), crID)
	if err != nil {
		t.Fatalf("GetChangeRequest failed: %v", err)
	}
	if cr.Status != types.ChangeRequestPending {
		t.Errorf("expected pending status, got %s", cr.Status)
	}
}

func TestRejectChangeRequest_OwnerRejects(t *testing.T) {
	// Given: A pending request on karpov's row
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)
	headBefore := ledgerHead(t, s)
	setClock(s, 3_000)

	// When: The owner rejects it
	cr, err := s.RejectChangeRequest(context.Background(), crID, actorKarpov(), "not our naming")
	if err != nil {
		t.Fatalf("RejectChangeRequest failed: %v", err)
	}

	// Then: The request is rejected with the note, and nothing was written
	if cr.Status != types.ChangeRequestRejected {
		t.Errorf("expected rejected status, got %s", cr.Status)
	}
	if cr.Note != "not our naming" {
		t.Errorf("expected note stored, got %q", cr.Note)
	}
	var name string
	if err := s.db.QueryRow(`SELECT name FROM entity_types WHERE id = 'et-1'`).Scan(&name); err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if name != "Engine" {
		t.Errorf("expected row untouched, got %q", name)
	}
	if head := ledgerHead(t, s); head != headBefore {
		t.Errorf("expected ledger head %d unchanged, got %d", headBefore, head)
	}
}

func TestRejectChangeRequest_UnrelatedUserForbidden(t *testing.T) {
	// Given: A pending request on karpov's row
	s := newTestStore(t)
	seedCatalog(t, s)
	crID := deflectTypeEdit(t, s, "Diesel Engine", 200)

	// When: A bystander tries to reject it
	bystander := types.Actor{UserID: "u-3", Username: "fomin", Role: types.RoleUser}
	_, err := s.RejectChangeRequest(context.Background(), crID, bystander, "")

	// Then: The decision is forbidden
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestListChangeRequests_FiltersByStatus(t *testing.T) {
	// Given: One pending and one rejected request
	s := newTestStore(t)
	seedCatalog(t, s)
	first := deflectTypeEdit(t, s, "Diesel Engine", 200)
	setClock(s, 2_000)
	second := deflectValueEdit(t, s, `"corrected"`, 400)
	if _, err := s.RejectChangeRequest(context.Background(), first, actorKarpov(), ""); err != nil {
		t.Fatalf("RejectChangeRequest failed: %v", err)
	}

	// When: Each status slice is listed
	pending, err := s.ListChangeRequests(context.Background(), types.ChangeRequestPending, 50, true)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}
	rejected, err := s.ListChangeRequests(context.Background(), types.ChangeRequestRejected, 50, true)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}
	all, err := s.ListChangeRequests(context.Background(), "", 50, true)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}

	// Then: Filters partition the requests
	if len(pending) != 1 || pending[0].ID != second {
		t.Errorf("expected second request pending, got %+v", pending)
	}
	if len(rejected) != 1 || rejected[0].ID != first {
		t.Errorf("expected first request rejected, got %+v", rejected)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 requests total, got %d", len(all))
	}
}

func TestListChangeRequests_NoiseHiddenByDefault(t *testing.T) {
	// Given: A request that only moves a timestamp, and one that edits a name
	s := newTestStore(t)
	seedCatalog(t, s)
	noiseOnly := entityTypeRow("et-1", "engine", "Engine", 300)
	resp := mustPush(t, s, actorSidorov(), pushReq(pack("entity_types", noiseOnly)))
	if len(resp.Deflected) != 1 {
		t.Fatalf("expected a deflection, got %+v", resp)
	}
	noisyID := resp.Deflected[0].ChangeRequestID
	significantID := deflectTypeEdit(t, s, "Diesel Engine", 400)

	// When: The pending list is fetched with and without noise
	quiet, err := s.ListChangeRequests(context.Background(), types.ChangeRequestPending, 50, false)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}
	full, err := s.ListChangeRequests(context.Background(), types.ChangeRequestPending, 50, true)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}

	// Then: The default view hides the timestamp-only request but it stays
	// pending and decidable
	if len(quiet) != 1 || quiet[0].ID != significantID {
		t.Errorf("expected only the significant request, got %+v", quiet)
	}
	if len(full) != 2 {
		t.Errorf("expected both requests with noise included, got %d", len(full))
	}
	cr, err := s.GetChangeRequest(context.Background(), noisyID)
	if err != nil {
		t.Fatalf("GetChangeRequest failed: %v", err)
	}
	if cr.Status != types.ChangeRequestPending {
		t.Errorf("expected hidden request still pending, got %s", cr.Status)
	}
}

func TestListChangeRequests_NoiseFilterOnlyTrimsPendingView(t *testing.T) {
	// Given: A rejected request that only moved a timestamp
	s := newTestStore(t)
	seedCatalog(t, s)
	noiseOnly := entityTypeRow("et-1", "engine", "Engine", 300)
	resp := mustPush(t, s, actorSidorov(), pushReq(pack("entity_types", noiseOnly)))
	if len(resp.Deflected) != 1 {
		t.Fatalf("expected a deflection, got %+v", resp)
	}
	noisyID := resp.Deflected[0].ChangeRequestID
	if _, err := s.RejectChangeRequest(context.Background(), noisyID, actorKarpov(), "clock skew"); err != nil {
		t.Fatalf("RejectChangeRequest failed: %v", err)
	}

	// When: Decided requests are listed without includeNoise
	rejected, err := s.ListChangeRequests(context.Background(), types.ChangeRequestRejected, 50, false)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}
	all, err := s.ListChangeRequests(context.Background(), "", 50, false)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}

	// Then: The audit views show it; only the pending view filters noise
	if len(rejected) != 1 || rejected[0].ID != noisyID {
		t.Errorf("expected the rejected request listed, got %+v", rejected)
	}
	if len(all) != 1 || all[0].ID != noisyID {
		t.Errorf("expected the request in the unfiltered list, got %+v", all)
	}
}

func TestListChangeRequests_NewestFirst(t *testing.T) {
	// Given: Requests created at increasing times
	s := newTestStore(t)
	seedCatalog(t, s)
	setClock(s, 1_000)
	older := deflectTypeEdit(t, s, "Engine A", 200)
	setClock(s, 2_000)
	newer := deflectTypeEdit(t, s, "Engine B", 300)

	// When: The list is fetched
	list, err := s.ListChangeRequests(context.Background(), types.ChangeRequestPending, 50, true)
	if err != nil {
		t.Fatalf("ListChangeRequests failed: %v", err)
	}

	// Then: Newest requests come first
	if len(list) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(list))
	}
	if list[0].ID != newer || list[1].ID != older {
		t.Errorf("expected newest first, got %s then %s", list[0].ID, list[1].ID)
	}
}
