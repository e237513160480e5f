package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pitabwire/claimflow/model"
)

// Audit action names recorded for each claim event.
const (
	AuditClaimCreated               = "claim_created"
	AuditClaimSubmitted             = "claim_submitted"
	AuditClaimMarkedSubmitted       = "claim_marked_submitted"
	AuditClaimWithdrawn             = "claim_withdrawn"
	AuditClaimApproved              = "claim_approved"
	AuditClaimRejected              = "claim_rejected"
	AuditClaimResubmissionRequested = "claim_resubmission_requested"
	AuditClaimPaid                  = "claim_paid"
	AuditClaimResubmitted           = "claim_resubmitted"
	AuditClaimDeleted               = "claim_deleted"
	AuditFileUploaded               = "file_uploaded"
	AuditFileFlagged                = "file_flagged"
	AuditFileUnflagged              = "file_unflagged"
	AuditFileReplaced               = "file_replaced"
	AuditFilesResubmitted           = "files_resubmitted"
)

// Reasons carried in the data of admin claim_updated notifications.
const (
	updateFileUploaded     = "file_uploaded"
	updateStatusChange     = "status_change"
	updateClaimResubmitted = "claim_resubmitted"
)

type audience int

const (
	toOwner audience = iota
	toAdmins
)

// notice describes one notification fan-out for an event.
type notice struct {
	audience audience
	kind     string
	render   func(evt model.ClaimEvent) (title, message string, data map[string]any)
}

type rule struct {
	audit    string
	resource string
	// when, if set, gates the notifications. The audit entry is always written.
	when    func(evt model.ClaimEvent) bool
	notices []notice
}

var rules = map[model.Action]rule{
	model.ActionCreateClaim: {audit: AuditClaimCreated, resource: model.ResourceClaim},
	model.ActionSubmit: {
		audit:    AuditClaimSubmitted,
		resource: model.ResourceClaim,
		notices: []notice{
			{toOwner, model.NotifyClaimSubmitted, renderClaimSubmitted},
			{toAdmins, model.NotifyNewClaim, renderNewClaim},
		},
	},
	model.ActionMarkSubmitted: {
		audit:    AuditClaimMarkedSubmitted,
		resource: model.ResourceClaim,
		notices:  []notice{{toOwner, model.NotifyClaimStatusChange, renderStatusChange}},
	},
	model.ActionWithdraw: {
		audit:    AuditClaimWithdrawn,
		resource: model.ResourceClaim,
		notices:  []notice{{toAdmins, model.NotifyClaimUpdated, renderClaimUpdated(updateStatusChange)}},
	},
	model.ActionApprove: {
		audit:    AuditClaimApproved,
		resource: model.ResourceClaim,
		notices:  []notice{{toOwner, model.NotifyClaimStatusChange, renderStatusChange}},
	},
	model.ActionReject: {
		audit:    AuditClaimRejected,
		resource: model.ResourceClaim,
		notices:  []notice{{toOwner, model.NotifyClaimRejected, renderClaimRejected}},
	},
	model.ActionRequestResubmission: {
		audit:    AuditClaimResubmissionRequested,
		resource: model.ResourceClaim,
		notices:  []notice{{toOwner, model.NotifyResubmissionRequested, renderResubmissionRequested}},
	},
	model.ActionPay: {
		audit:    AuditClaimPaid,
		resource: model.ResourceClaim,
		notices:  []notice{{toOwner, model.NotifyClaimStatusChange, renderStatusChange}},
	},
	model.ActionResubmit: {
		audit:    AuditClaimResubmitted,
		resource: model.ResourceClaim,
		notices:  []notice{{toAdmins, model.NotifyClaimUpdated, renderClaimUpdated(updateClaimResubmitted)}},
	},
	model.ActionUploadDocument: {
		audit:    AuditFileUploaded,
		resource: model.ResourceDocument,
		when:     func(evt model.ClaimEvent) bool { return evt.ToStatus == model.StatusPending },
		notices:  []notice{{toAdmins, model.NotifyClaimUpdated, renderClaimUpdated(updateFileUploaded)}},
	},
	model.ActionFlagDocument: {
		audit:    AuditFileFlagged,
		resource: model.ResourceDocument,
		notices:  []notice{{toOwner, model.NotifyFileFlagged, renderFileFlagged}},
	},
	model.ActionUnflagDocument: {audit: AuditFileUnflagged, resource: model.ResourceDocument},
	model.ActionReplaceDocument: {
		audit:    AuditFileReplaced,
		resource: model.ResourceDocument,
		notices:  []notice{{toAdmins, model.NotifyClaimUpdated, renderClaimUpdated(updateFileUploaded)}},
	},
	model.ActionAcknowledgeResubmission: {
		audit:    AuditFilesResubmitted,
		resource: model.ResourceClaim,
		notices:  []notice{{toAdmins, model.NotifyClaimUpdated, renderClaimUpdated(updateFileUploaded)}},
	},
	model.ActionDeleteClaim: {audit: AuditClaimDeleted, resource: model.ResourceClaim},
}

// AuditEntryFor builds the audit entry recorded for evt. ok is false for
// actions with no mapping.
func AuditEntryFor(evt model.ClaimEvent) (model.AuditEntry, bool) {
	r, found := rules[evt.Action]
	if !found {
		return model.AuditEntry{}, false
	}

	details := map[string]any{
		"claim_id":    evt.ClaimID,
		"from_status": string(evt.FromStatus),
		"to_status":   string(evt.ToStatus),
	}
	for k, v := range evt.Details {
		details[k] = v
	}
	if evt.Payload.Reason != "" {
		details["reason"] = evt.Payload.Reason
	}
	if evt.Action == model.ActionPay {
		details["amount"] = evt.Payload.Amount
		details["method"] = evt.Payload.Method
		if evt.Payload.Reference != "" {
			details["reference"] = evt.Payload.Reference
		}
	}
	if len(evt.Documents) > 0 {
		details["documents"] = evt.Documents
	}

	resourceID := evt.ClaimID
	if r.resource == model.ResourceDocument && len(evt.Documents) > 0 {
		resourceID = evt.Documents[0].ID
	}

	return model.AuditEntry{
		ID:           uuid.NewString(),
		Action:       r.audit,
		Details:      details,
		ActorID:      evt.ActorID,
		ActorRole:    evt.ActorRole,
		ResourceType: r.resource,
		ResourceID:   resourceID,
		Timestamp:    evt.Timestamp,
	}, true
}

// NotificationsFor builds the notifications sent for evt. admins is the
// admin directory snapshot used for admin-addressed notices.
func NotificationsFor(evt model.ClaimEvent, admins []string) []model.Notification {
	r, found := rules[evt.Action]
	if !found || len(r.notices) == 0 {
		return nil
	}
	if r.when != nil && !r.when(evt) {
		return nil
	}

	var out []model.Notification
	for _, n := range r.notices {
		title, message, data := n.render(evt)
		if data == nil {
			data = map[string]any{}
		}
		data["claim_id"] = evt.ClaimID

		var recipients []string
		switch n.audience {
		case toOwner:
			recipients = []string{evt.OwnerID}
		case toAdmins:
			recipients = admins
		}
		for _, userID := range recipients {
			if userID == "" {
				continue
			}
			out = append(out, model.Notification{
				ID:        uuid.NewString(),
				UserID:    userID,
				Type:      n.kind,
				Title:     title,
				Message:   message,
				Data:      copyData(data),
				CreatedAt: evt.Timestamp,
			})
		}
	}
	return out
}

// needsAdmins reports whether evt fans out to the admin directory.
func needsAdmins(evt model.ClaimEvent) bool {
	r, found := rules[evt.Action]
	if !found || (r.when != nil && !r.when(evt)) {
		return false
	}
	for _, n := range r.notices {
		if n.audience == toAdmins {
			return true
		}
	}
	return false
}

func renderClaimSubmitted(model.ClaimEvent) (string, string, map[string]any) {
	return "Claim Submitted Successfully",
		"Your insurance claim has been submitted and is now under review.",
		nil
}

func renderNewClaim(model.ClaimEvent) (string, string, map[string]any) {
	return "New Claim Submitted",
		"A new insurance claim has been submitted and requires review.",
		nil
}

var statusMessages = map[model.ClaimStatus]string{
	model.StatusSubmitted:  "Your claim has been submitted and is now under review.",
	model.StatusProcessing: "Your claim is now being processed.",
	model.StatusPaid:       "Your claim has been approved and payment has been processed.",
	model.StatusPending:    "Your claim requires additional information. Please check the details.",
}

func renderStatusChange(evt model.ClaimEvent) (string, string, map[string]any) {
	msg, ok := statusMessages[evt.ToStatus]
	if !ok {
		msg = "Your claim status has been updated."
	}
	return "Claim Status Updated - " + strings.ToUpper(string(evt.ToStatus)),
		msg,
		map[string]any{"new_status": string(evt.ToStatus)}
}

func renderClaimRejected(evt model.ClaimEvent) (string, string, map[string]any) {
	files := make([]string, 0, len(evt.Documents))
	for _, d := range evt.Documents {
		files = append(files, d.FileName)
	}
	return "Claim Rejected",
		"Your claim has been rejected. Reason: " + evt.Payload.Reason,
		map[string]any{"reason": evt.Payload.Reason, "flagged_files": files}
}

func renderResubmissionRequested(evt model.ClaimEvent) (string, string, map[string]any) {
	files := make([]string, 0, len(evt.Documents))
	for _, d := range evt.Documents {
		files = append(files, d.FileName)
	}
	return "Files Need to be Resubmitted",
		"Your claim requires file resubmission. " + evt.Payload.Reason,
		map[string]any{"reason": evt.Payload.Reason, "files_to_resubmit": files}
}

func renderFileFlagged(evt model.ClaimEvent) (string, string, map[string]any) {
	fileName, _ := evt.Details["file_name"].(string)
	comment, _ := evt.Details["comment"].(string)
	msg := fmt.Sprintf("The file %q has been flagged for review.", fileName)
	if comment != "" {
		msg += " Admin comment: " + comment
	}
	return "File Requires Attention", msg,
		map[string]any{"file_name": fileName, "admin_comment": comment}
}

var updateMessages = map[string]string{
	updateFileUploaded: "New files have been uploaded to a claim.",
	updateStatusChange: "Claim status has been updated.",
}

func renderClaimUpdated(reason string) func(model.ClaimEvent) (string, string, map[string]any) {
	return func(model.ClaimEvent) (string, string, map[string]any) {
		msg, ok := updateMessages[reason]
		if !ok {
			msg = "A claim has been updated."
		}
		return "Claim Updated", msg, map[string]any{"action": reason}
	}
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
