package integration

import (
	"net/http"
	"sync"
	"testing"

	"github.com/pitabwire/claimflow/internal/events"
	"github.com/pitabwire/claimflow/model"
)

// ==========================================================================
// Concurrent actions
// ==========================================================================

func TestResilience_ConcurrentApprovalsCommitOnce(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))
	admins := []string{
		h.GenerateToken(AdminClaims("admin-1")),
		h.GenerateToken(AdminClaims("admin-2")),
	}

	claim := h.CreateClaim(t, client)
	h.UploadRequired(t, client, claim.ID)
	h.AssertStatus(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK)

	const racers = 8
	statuses := make([]int, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Act(claim.ID, model.ActionApprove, nil, admins[i%len(admins)])
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}()
	}
	wg.Wait()

	var ok int
	for i, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
		default:
			t.Errorf("racer %d status = %d, want 200 or 409", i, s)
		}
	}
	if ok != 1 {
		t.Fatalf("%d decisions committed, want exactly 1", ok)
	}

	var view ClaimView
	h.AssertJSON(t, h.GET("/api/claims/"+claim.ID, client), http.StatusOK, &view)
	if view.Status != model.StatusProcessing {
		t.Errorf("status = %q, want processing", view.Status)
	}
}

func TestResilience_ConcurrentSubmitsCommitOnce(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))

	claim := h.CreateClaim(t, client)
	h.UploadRequired(t, client, claim.ID)

	const racers = 6
	statuses := make(chan int, racers)
	var wg sync.WaitGroup
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Act(claim.ID, model.ActionSubmit, nil, client)
			statuses <- resp.StatusCode
			resp.Body.Close()
		}()
	}
	wg.Wait()
	close(statuses)

	var ok int
	for s := range statuses {
		if s == http.StatusOK {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("%d submits committed, want exactly 1", ok)
	}

	h.WaitForAudit(t, claim.ID, events.AuditClaimSubmitted)
	var submitted int
	for _, a := range h.AuditActions(claim.ID) {
		if a == events.AuditClaimSubmitted {
			submitted++
		}
	}
	if submitted != 1 {
		t.Errorf("claim_submitted audit entries = %d, want 1", submitted)
	}
}

// ==========================================================================
// Idempotent retries
// ==========================================================================

func TestResilience_IdempotentRetryReplays(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	client := h.GenerateToken(ClientClaims("client-1"))
	admin := h.GenerateToken(AdminClaims("admin-1"))

	claim := h.CreateClaim(t, client)
	h.UploadRequired(t, client, claim.ID)
	h.AssertStatus(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK)

	path := "/api/claims/" + claim.ID + "/actions/approve"
	key := map[string]string{"X-Idempotency-Key": "approve-retry-1"}

	var first, second model.TransitionResult
	h.AssertJSON(t, h.POSTWithHeaders(path, map[string]any{}, admin, key), http.StatusOK, &first)

	resp := h.POSTWithHeaders(path, map[string]any{}, admin, key)
	if resp.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("retry was not served from the idempotency store")
	}
	h.AssertJSON(t, resp, http.StatusOK, &second)
	if second.ToStatus != first.ToStatus || second.Claim.ID != first.Claim.ID {
		t.Errorf("replay = %+v, want %+v", second, first)
	}

	// Without the key the same call is an illegal transition.
	h.AssertError(t, h.Act(claim.ID, model.ActionApprove, nil, admin), http.StatusConflict, model.ErrIllegalTransition)

	// Reusing the key with a different payload is refused.
	resp = h.POSTWithHeaders(path, map[string]any{"reason": "different payload"}, admin, key)
	h.AssertError(t, resp, http.StatusConflict, model.ErrConflict)
}

// ==========================================================================
// Event delivery
// ==========================================================================

func TestResilience_EventsDrainOnShutdown(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))

	var ids []string
	for range 10 {
		ids = append(ids, h.CreateClaim(t, client).ID)
	}

	if err := h.Gateway.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, id := range ids {
		if got := h.AuditActions(id); len(got) != 1 || got[0] != events.AuditClaimCreated {
			t.Errorf("claim %s audit = %v, want [claim_created]", id, got)
		}
	}
}
