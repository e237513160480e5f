package events

import (
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/claimflow/model"
)

var eventTime = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func testEvent(action model.Action, from, to model.ClaimStatus) model.ClaimEvent {
	return model.ClaimEvent{
		ID:         "evt-1",
		ClaimID:    "claim-1",
		OwnerID:    "client-1",
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    "admin-1",
		ActorRole:  model.RoleAdmin,
		Timestamp:  eventTime,
	}
}

func TestAuditEntryFor_everyActionMapped(t *testing.T) {
	actions := []model.Action{
		model.ActionCreateClaim, model.ActionSubmit, model.ActionMarkSubmitted,
		model.ActionWithdraw, model.ActionApprove, model.ActionReject,
		model.ActionRequestResubmission, model.ActionPay, model.ActionResubmit,
		model.ActionUploadDocument, model.ActionFlagDocument, model.ActionUnflagDocument,
		model.ActionReplaceDocument, model.ActionAcknowledgeResubmission, model.ActionDeleteClaim,
	}
	seen := map[string]bool{}
	for _, a := range actions {
		entry, ok := AuditEntryFor(testEvent(a, model.StatusPending, model.StatusPending))
		if !ok {
			t.Errorf("%s has no audit mapping", a)
			continue
		}
		if seen[entry.Action] {
			t.Errorf("audit action %s used twice", entry.Action)
		}
		seen[entry.Action] = true
		if entry.Details["claim_id"] != "claim-1" {
			t.Errorf("%s: details missing claim_id: %v", a, entry.Details)
		}
	}

	if _, ok := AuditEntryFor(testEvent("bogus", model.StatusPending, model.StatusPending)); ok {
		t.Error("unknown action should not map")
	}
}

func TestAuditEntryFor_transitionDetails(t *testing.T) {
	evt := testEvent(model.ActionPay, model.StatusProcessing, model.StatusPaid)
	evt.Payload = model.ActionPayload{Amount: 2400, Method: "bank_transfer", Reference: "TX-9"}

	entry, _ := AuditEntryFor(evt)
	if entry.Action != AuditClaimPaid || entry.ResourceType != model.ResourceClaim || entry.ResourceID != "claim-1" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Details["amount"] != 2400.0 || entry.Details["method"] != "bank_transfer" || entry.Details["reference"] != "TX-9" {
		t.Errorf("details = %v", entry.Details)
	}
	if entry.Details["from_status"] != "processing" || entry.Details["to_status"] != "paid" {
		t.Errorf("details = %v", entry.Details)
	}
	if !entry.Timestamp.Equal(eventTime) || entry.ActorRole != model.RoleAdmin {
		t.Errorf("entry = %+v", entry)
	}
}

func TestAuditEntryFor_documentResource(t *testing.T) {
	evt := testEvent(model.ActionFlagDocument, model.StatusPending, model.StatusPending)
	evt.Documents = []model.DocumentRef{{ID: "doc-7", DocumentType: model.DocPoliceReport, FileName: "police.pdf"}}
	evt.Details = map[string]any{"file_name": "police.pdf", "comment": "Missing stamp"}

	entry, _ := AuditEntryFor(evt)
	if entry.ResourceType != model.ResourceDocument || entry.ResourceID != "doc-7" {
		t.Errorf("resource = %s/%s", entry.ResourceType, entry.ResourceID)
	}
	if entry.Details["comment"] != "Missing stamp" {
		t.Errorf("details = %v", entry.Details)
	}
}

func TestNotificationsFor_submitNotifiesOwnerAndAdmins(t *testing.T) {
	evt := testEvent(model.ActionSubmit, model.StatusPending, model.StatusSubmitted)

	got := NotificationsFor(evt, []string{"admin-1", "admin-2"})
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3", len(got))
	}
	if got[0].UserID != "client-1" || got[0].Type != model.NotifyClaimSubmitted || got[0].Title != "Claim Submitted Successfully" {
		t.Errorf("owner notification = %+v", got[0])
	}
	for _, n := range got[1:] {
		if n.Type != model.NotifyNewClaim || n.Title != "New Claim Submitted" {
			t.Errorf("admin notification = %+v", n)
		}
		if n.Data["claim_id"] != "claim-1" {
			t.Errorf("data = %v", n.Data)
		}
	}
	if got[1].ID == got[2].ID {
		t.Error("notifications share an id")
	}
}

func TestNotificationsFor_statusChangeTitles(t *testing.T) {
	tests := []struct {
		action  model.Action
		from    model.ClaimStatus
		to      model.ClaimStatus
		title   string
		message string
	}{
		{model.ActionApprove, model.StatusSubmitted, model.StatusProcessing, "Claim Status Updated - PROCESSING", "Your claim is now being processed."},
		{model.ActionPay, model.StatusProcessing, model.StatusPaid, "Claim Status Updated - PAID", "Your claim has been approved and payment has been processed."},
		{model.ActionMarkSubmitted, model.StatusPending, model.StatusSubmitted, "Claim Status Updated - SUBMITTED", "Your claim has been submitted and is now under review."},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			got := NotificationsFor(testEvent(tt.action, tt.from, tt.to), nil)
			if len(got) != 1 {
				t.Fatalf("got %d notifications", len(got))
			}
			if got[0].Title != tt.title || got[0].Message != tt.message || got[0].Type != model.NotifyClaimStatusChange {
				t.Errorf("notification = %+v", got[0])
			}
		})
	}
}

func TestNotificationsFor_rejectListsFlaggedFiles(t *testing.T) {
	evt := testEvent(model.ActionReject, model.StatusSubmitted, model.StatusRejected)
	evt.Payload.Reason = "Receipts do not match"
	evt.Documents = []model.DocumentRef{{ID: "d1", FileName: "estimate.pdf"}}

	got := NotificationsFor(evt, []string{"admin-1"})
	if len(got) != 1 {
		t.Fatalf("got %d notifications, want owner only", len(got))
	}
	n := got[0]
	if n.Type != model.NotifyClaimRejected || n.Message != "Your claim has been rejected. Reason: Receipts do not match" {
		t.Errorf("notification = %+v", n)
	}
	files, _ := n.Data["flagged_files"].([]string)
	if len(files) != 1 || files[0] != "estimate.pdf" {
		t.Errorf("flagged_files = %v", n.Data["flagged_files"])
	}
}

func TestNotificationsFor_fileFlagged(t *testing.T) {
	evt := testEvent(model.ActionFlagDocument, model.StatusPending, model.StatusPending)
	evt.Details = map[string]any{"file_name": "police.pdf", "comment": "Missing stamp"}

	got := NotificationsFor(evt, nil)
	if len(got) != 1 || got[0].Title != "File Requires Attention" {
		t.Fatalf("got %+v", got)
	}
	if !strings.Contains(got[0].Message, `"police.pdf"`) || !strings.HasSuffix(got[0].Message, "Admin comment: Missing stamp") {
		t.Errorf("message = %q", got[0].Message)
	}
}

func TestNotificationsFor_uploadOnlyWhilePending(t *testing.T) {
	admins := []string{"admin-1"}

	pending := NotificationsFor(testEvent(model.ActionUploadDocument, model.StatusPending, model.StatusPending), admins)
	if len(pending) != 1 || pending[0].Data["action"] != "file_uploaded" {
		t.Errorf("pending upload = %+v", pending)
	}

	rejected := NotificationsFor(testEvent(model.ActionUploadDocument, model.StatusRejected, model.StatusRejected), admins)
	if len(rejected) != 0 {
		t.Errorf("rejected upload should not notify, got %+v", rejected)
	}
	if needsAdmins(testEvent(model.ActionUploadDocument, model.StatusRejected, model.StatusRejected)) {
		t.Error("needsAdmins should be false when the rule is gated off")
	}
}

func TestNotificationsFor_silentActions(t *testing.T) {
	for _, a := range []model.Action{model.ActionCreateClaim, model.ActionUnflagDocument, model.ActionDeleteClaim} {
		if got := NotificationsFor(testEvent(a, model.StatusPending, model.StatusPending), []string{"admin-1"}); len(got) != 0 {
			t.Errorf("%s produced %d notifications", a, len(got))
		}
		if needsAdmins(testEvent(a, model.StatusPending, model.StatusPending)) {
			t.Errorf("%s should not need admins", a)
		}
	}
}

func TestNotificationsFor_noAdmins(t *testing.T) {
	got := NotificationsFor(testEvent(model.ActionWithdraw, model.StatusPending, model.StatusWithdrawn), nil)
	if len(got) != 0 {
		t.Errorf("got %d notifications with an empty directory", len(got))
	}
}
