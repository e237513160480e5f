package integration

import (
	"net/http"
	"slices"
	"testing"

	"github.com/pitabwire/claimflow/internal/events"
	"github.com/pitabwire/claimflow/model"
)

// ==========================================================================
// Happy path: pending -> submitted -> processing -> paid
// ==========================================================================

func TestLifecycle_SubmitApprovePay(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))
	admin := h.GenerateToken(AdminClaims("admin-1"))

	claim := h.CreateClaim(t, client)
	if claim.Status != model.StatusPending || claim.OwnerID != "client-1" {
		t.Fatalf("created claim = status %q owner %q", claim.Status, claim.OwnerID)
	}
	if !slices.Contains(claim.AvailableActions, model.ActionWithdraw) {
		t.Errorf("owner actions = %v, want withdraw offered", claim.AvailableActions)
	}

	h.UploadRequired(t, client, claim.ID)

	var res model.TransitionResult
	h.AssertJSON(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK, &res)
	if res.FromStatus != model.StatusPending || res.ToStatus != model.StatusSubmitted {
		t.Fatalf("submit = %s -> %s", res.FromStatus, res.ToStatus)
	}

	h.AssertJSON(t, h.Act(claim.ID, model.ActionApprove, nil, admin), http.StatusOK, &res)
	if res.ToStatus != model.StatusProcessing {
		t.Fatalf("approve -> %s, want processing", res.ToStatus)
	}

	payment := map[string]any{"amount": 3850.0, "method": "bank_transfer", "reference": "PAY-2026-0042"}
	h.AssertJSON(t, h.Act(claim.ID, model.ActionPay, payment, admin), http.StatusOK, &res)
	if res.ToStatus != model.StatusPaid || res.Claim.PaymentAmount != 3850 {
		t.Fatalf("pay = %s amount %v", res.ToStatus, res.Claim.PaymentAmount)
	}

	// Paid is terminal.
	h.AssertError(t, h.Act(claim.ID, model.ActionReject, map[string]any{"reason": "second thoughts here"}, admin),
		http.StatusConflict, model.ErrIllegalTransition)

	h.WaitForAudit(t, claim.ID,
		events.AuditClaimCreated,
		events.AuditFileUploaded,
		events.AuditClaimSubmitted,
		events.AuditClaimApproved,
		events.AuditClaimPaid,
	)

	h.Eventually(t, "owner notifications", func() bool {
		return h.HasNotification("client-1", model.NotifyClaimSubmitted) &&
			h.HasNotification("client-1", model.NotifyClaimStatusChange)
	})
	for _, adminID := range AdminIDs {
		h.Eventually(t, "new_claim for "+adminID, func() bool {
			return h.HasNotification(adminID, model.NotifyNewClaim)
		})
	}
}

// ==========================================================================
// Rejection and resubmission
// ==========================================================================

func TestLifecycle_RejectThenResubmit(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))
	admin := h.GenerateToken(AdminClaims("admin-1"))

	claim := h.CreateClaim(t, client)
	docs := h.UploadRequired(t, client, claim.ID)
	h.AssertStatus(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK)

	// A short reason is refused before any state changes.
	h.AssertError(t, h.Act(claim.ID, model.ActionReject, map[string]any{"reason": "no"}, admin),
		http.StatusUnprocessableEntity, model.ErrPreconditionFailed)

	report := docs[model.DocPoliceReport]
	reject := map[string]any{
		"reason":             "Police report does not match the incident date",
		"rejected_documents": []string{report.ID},
	}
	var res model.TransitionResult
	h.AssertJSON(t, h.Act(claim.ID, model.ActionReject, reject, admin), http.StatusOK, &res)
	if res.ToStatus != model.StatusRejected {
		t.Fatalf("reject -> %s", res.ToStatus)
	}

	h.Eventually(t, "rejection notice", func() bool {
		return h.HasNotification("client-1", model.NotifyClaimRejected)
	})

	// The owner replaces the flagged report before sending the claim back.
	resp := h.Upload("/api/claims/"+claim.ID+"/documents/"+report.ID+"/replace", client, "",
		"police_report_v2.pdf", "application/pdf", []byte("%PDF-1.7 corrected report"))
	var replaced model.DocumentResult
	h.AssertJSON(t, resp, http.StatusOK, &replaced)
	if replaced.Document.Flagged {
		t.Error("replacement document is still flagged")
	}

	h.AssertJSON(t, h.Act(claim.ID, model.ActionResubmit, nil, client), http.StatusOK, &res)
	if res.ToStatus != model.StatusPending {
		t.Fatalf("resubmit -> %s, want pending", res.ToStatus)
	}
	h.AssertJSON(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK, &res)
	if res.ToStatus != model.StatusSubmitted {
		t.Fatalf("second submit -> %s", res.ToStatus)
	}

	h.WaitForAudit(t, claim.ID,
		events.AuditClaimRejected,
		events.AuditFileReplaced,
		events.AuditClaimResubmitted,
	)
}

func TestLifecycle_RequestResubmissionShowsReturned(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))
	admin := h.GenerateToken(AdminClaims("admin-1"))

	claim := h.CreateClaim(t, client)
	docs := h.UploadRequired(t, client, claim.ID)
	h.AssertStatus(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK)

	license := docs[model.DocDriversLicense]
	body := map[string]any{
		"reason":                "Licence photo is cut off at the edge",
		"documents_to_resubmit": []string{license.ID},
	}
	h.AssertStatus(t, h.Act(claim.ID, model.ActionRequestResubmission, body, admin), http.StatusOK)

	var view ClaimView
	h.AssertJSON(t, h.GET("/api/claims/"+claim.ID, client), http.StatusOK, &view)
	if view.Status != model.StatusPending || view.DisplayStatus != model.DisplayReturned {
		t.Fatalf("claim = status %q display %q, want pending/returned", view.Status, view.DisplayStatus)
	}
	if view.Completeness.CanSubmit {
		t.Error("claim with a flagged document must not be submittable")
	}

	h.Eventually(t, "resubmission notice", func() bool {
		return h.HasNotification("client-1", model.NotifyResubmissionRequested)
	})

	resp := h.Upload("/api/claims/"+claim.ID+"/documents/"+license.ID+"/replace", client, "",
		"license.png", "image/png", []byte("\x89PNG\r\n\x1a\nlicence"))
	h.AssertStatus(t, resp, http.StatusOK)

	h.AssertJSON(t, h.GET("/api/claims/"+claim.ID, client), http.StatusOK, &view)
	if !view.Completeness.CanSubmit {
		t.Fatalf("claim not submittable after replacement: %+v", view.Completeness)
	}

	h.AssertJSON(t, h.POST("/api/claims/"+claim.ID+"/documents/resubmitted", map[string]any{}, client),
		http.StatusOK, &view)
	if view.DisplayStatus != string(model.StatusPending) {
		t.Errorf("display after acknowledgement = %q, want pending", view.DisplayStatus)
	}

	var res model.TransitionResult
	h.AssertJSON(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusOK, &res)
	if res.Claim.ResubmissionRequestedAt != nil || len(res.Claim.DocumentsToResubmit) != 0 {
		t.Errorf("submitted claim still carries the resubmission request: %+v", res.Claim.DocumentsToResubmit)
	}
}

// ==========================================================================
// Withdrawal and admin deletion
// ==========================================================================

func TestLifecycle_WithdrawFreezesClaim(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))

	claim := h.CreateClaim(t, client)
	h.AssertStatus(t, h.Act(claim.ID, model.ActionWithdraw, nil, client), http.StatusOK)

	resp := h.Upload("/api/claims/"+claim.ID+"/documents", client, string(model.DocPoliceReport),
		"report.txt", "text/plain", []byte("late report"))
	h.AssertError(t, resp, http.StatusConflict, model.ErrInvalidState)

	h.AssertError(t, h.Act(claim.ID, model.ActionSubmit, nil, client), http.StatusConflict, model.ErrIllegalTransition)
	h.WaitForAudit(t, claim.ID, events.AuditClaimWithdrawn)
}

func TestLifecycle_AdminDeleteKeepsTrail(t *testing.T) {
	h := NewTestHarness(t)
	client := h.GenerateToken(ClientClaims("client-1"))
	admin := h.GenerateToken(AdminClaims("admin-1"))

	claim := h.CreateClaim(t, client)
	h.UploadRequired(t, client, claim.ID)
	h.WaitForAudit(t, claim.ID, events.AuditFileUploaded)

	h.AssertError(t, h.DELETE("/api/claims/"+claim.ID, client), http.StatusForbidden, model.ErrForbidden)
	h.AssertStatus(t, h.DELETE("/api/claims/"+claim.ID, admin), http.StatusNoContent)

	h.AssertError(t, h.GET("/api/claims/"+claim.ID, client), http.StatusNotFound, model.ErrNotFound)
	h.WaitForAudit(t, claim.ID, events.AuditClaimDeleted)

	var trail struct {
		Logs []model.AuditEntry `json:"logs"`
	}
	h.AssertJSON(t, h.GET("/api/audit/claims/"+claim.ID, admin), http.StatusOK, &trail)
	if len(trail.Logs) == 0 {
		t.Error("admin trail of a deleted claim is empty")
	}
}
