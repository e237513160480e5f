package model

import (
	"fmt"
	"strings"
	"time"
)

// ClaimStatus is the lifecycle status of a claim.
type ClaimStatus string

// Claim status values.
const (
	StatusPending    ClaimStatus = "pending"
	StatusSubmitted  ClaimStatus = "submitted"
	StatusProcessing ClaimStatus = "processing"
	StatusPaid       ClaimStatus = "paid"
	StatusRejected   ClaimStatus = "rejected"
	StatusWithdrawn  ClaimStatus = "withdrawn"
)

// AllStatuses lists every claim status in lifecycle order.
var AllStatuses = []ClaimStatus{
	StatusPending, StatusSubmitted, StatusProcessing,
	StatusPaid, StatusRejected, StatusWithdrawn,
}

// Valid reports whether s is one of the defined statuses.
func (s ClaimStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s ClaimStatus) Terminal() bool {
	return s == StatusPaid || s == StatusWithdrawn
}

// ParseClaimStatus converts a raw string into a ClaimStatus.
func ParseClaimStatus(raw string) (ClaimStatus, error) {
	s := ClaimStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown claim status %q", raw)
	}
	return s, nil
}

// Action names a claim operation. Status-changing actions are listed in the
// transition table; the remaining ones are document or lifecycle operations
// that are audited but never change status.
type Action string

// Status-changing actions.
const (
	ActionSubmit              Action = "submit"
	ActionMarkSubmitted       Action = "mark_submitted"
	ActionWithdraw            Action = "withdraw"
	ActionApprove             Action = "approve"
	ActionReject              Action = "reject"
	ActionRequestResubmission Action = "request_resubmission"
	ActionPay                 Action = "pay"
	ActionResubmit            Action = "resubmit"
)

// Non-transition actions carried by claim events.
const (
	ActionCreateClaim             Action = "create_claim"
	ActionDeleteClaim             Action = "delete_claim"
	ActionUploadDocument          Action = "upload_document"
	ActionFlagDocument            Action = "flag_document"
	ActionUnflagDocument          Action = "unflag_document"
	ActionReplaceDocument         Action = "replace_document"
	ActionAcknowledgeResubmission Action = "acknowledge_resubmission"
)

var transitionActions = map[Action]bool{
	ActionSubmit:              true,
	ActionMarkSubmitted:       true,
	ActionWithdraw:            true,
	ActionApprove:             true,
	ActionReject:              true,
	ActionRequestResubmission: true,
	ActionPay:                 true,
	ActionResubmit:            true,
}

// IsTransition reports whether a is a status-changing action.
func (a Action) IsTransition() bool {
	return transitionActions[a]
}

// ParseAction converts a raw string into a status-changing Action. Hyphens are
// accepted in place of underscores.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !a.IsTransition() {
		return "", fmt.Errorf("unknown action %q", raw)
	}
	return a, nil
}

// Role is the role an actor holds.
type Role string

// Actor roles.
const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// DocumentType is the intake slot a document fills.
type DocumentType string

// Document types.
const (
	DocDriversLicense      DocumentType = "driversLicense"
	DocVehicleRegistration DocumentType = "vehicleRegistration"
	DocInsurancePolicy     DocumentType = "insurancePolicy"
	DocPoliceReport        DocumentType = "policeReport"
	DocRepairEstimate      DocumentType = "repairEstimate"
	DocOther               DocumentType = "other"
)

// RequiredDocumentTypes is the default set of types a claim needs before a
// client may submit it.
var RequiredDocumentTypes = []DocumentType{
	DocDriversLicense,
	DocVehicleRegistration,
	DocInsurancePolicy,
	DocPoliceReport,
	DocRepairEstimate,
}

// Label returns a human readable name for the document type.
func (t DocumentType) Label() string {
	switch t {
	case DocDriversLicense:
		return "Driver's License"
	case DocVehicleRegistration:
		return "Vehicle Registration"
	case DocInsurancePolicy:
		return "Insurance Policy"
	case DocPoliceReport:
		return "Police Report"
	case DocRepairEstimate:
		return "Repair Estimate"
	default:
		return "Other"
	}
}

// Slotted reports whether documents of this type occupy a unique slot.
func (t DocumentType) Slotted() bool {
	return t != DocOther && t != ""
}

// ParseDocumentType accepts camelCase and snake_case spellings. An empty
// string maps to DocOther.
func ParseDocumentType(raw string) (DocumentType, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", ""))
	switch norm {
	case "":
		return DocOther, nil
	case "driverslicense":
		return DocDriversLicense, nil
	case "vehicleregistration":
		return DocVehicleRegistration, nil
	case "insurancepolicy":
		return DocInsurancePolicy, nil
	case "policereport":
		return DocPoliceReport, nil
	case "repairestimate":
		return DocRepairEstimate, nil
	case "other":
		return DocOther, nil
	}
	return "", fmt.Errorf("unknown document type %q", raw)
}

// Document is one uploaded file and its verification state.
type Document struct {
	ID             string       `json:"id"`
	DocumentType   DocumentType `json:"document_type"`
	FileName       string       `json:"file_name"`
	ContentType    string       `json:"content_type,omitempty"`
	Size           int64        `json:"size"`
	StorageKey     string       `json:"storage_key"`
	UploadedAt     time.Time    `json:"uploaded_at"`
	UploadedBy     string       `json:"uploaded_by"`
	Flagged        bool         `json:"flagged"`
	AdminComment   string       `json:"admin_comment,omitempty"`
	FlaggedAt      *time.Time   `json:"flagged_at,omitempty"`
	FlaggedBy      string       `json:"flagged_by,omitempty"`
	ReplacedFromID string       `json:"replaced_from_id,omitempty"`
	Resubmitted    bool         `json:"resubmitted"`
	ResubmittedAt  *time.Time   `json:"resubmitted_at,omitempty"`
	ResubmittedBy  string       `json:"resubmitted_by,omitempty"`
}

// DocumentRef is a short description of a document used in event payloads
// and notifications.
type DocumentRef struct {
	ID           string       `json:"id"`
	DocumentType DocumentType `json:"document_type"`
	FileName     string       `json:"file_name"`
	Comment      string       `json:"comment,omitempty"`
}

// Ref returns the DocumentRef for d.
func (d Document) Ref() DocumentRef {
	return DocumentRef{ID: d.ID, DocumentType: d.DocumentType, FileName: d.FileName, Comment: d.AdminComment}
}

// Claim is an insurance claim and its attached documents.
type Claim struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Status          ClaimStatus `json:"status"`
	VehicleMake     string      `json:"vehicle_make"`
	VehicleModel    string      `json:"vehicle_model"`
	VehicleYear     int         `json:"vehicle_year"`
	IncidentDate    time.Time   `json:"incident_date"`
	Description     string      `json:"description"`
	EstimatedDamage float64     `json:"estimated_damage"`
	Documents       []Document  `json:"documents"`

	SubmittedAt      *time.Time     `json:"submitted_at,omitempty"`
	SubmittedBy      string         `json:"submitted_by,omitempty"`
	MissingDocuments []DocumentType `json:"missing_documents,omitempty"`

	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`

	RejectionReason   string     `json:"rejection_reason,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty"`
	RejectedBy        string     `json:"rejected_by,omitempty"`
	RejectedDocuments []string   `json:"rejected_documents,omitempty"`

	ResubmissionReason      string     `json:"resubmission_reason,omitempty"`
	ResubmissionRequestedAt *time.Time `json:"resubmission_requested_at,omitempty"`
	ResubmissionRequestedBy string     `json:"resubmission_requested_by,omitempty"`
	DocumentsToResubmit     []string   `json:"documents_to_resubmit,omitempty"`

	ResubmittedAt *time.Time `json:"resubmitted_at,omitempty"`
	ResubmittedBy string     `json:"resubmitted_by,omitempty"`

	PaidAt           *time.Time `json:"paid_at,omitempty"`
	PaidBy           string     `json:"paid_by,omitempty"`
	PaymentAmount    float64    `json:"payment_amount,omitempty"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`

	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`
	WithdrawnBy string     `json:"withdrawn_by,omitempty"`

	LastTransitionReason string `json:"last_transition_reason,omitempty"`
	LastTransitionActor  string `json:"last_transition_actor,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// DisplayReturned is the presentation label for a pending claim an admin has
// sent back for resubmission. It is not a status.
const DisplayReturned = "returned"

// DisplayStatus returns the label shown to users: the status itself, or
// DisplayReturned while a resubmission request is outstanding.
func (c Claim) DisplayStatus() string {
	if c.Status == StatusPending && c.ResubmissionRequestedAt != nil &&
		(c.ResubmittedAt == nil || c.ResubmittedAt.Before(*c.ResubmissionRequestedAt)) {
		return DisplayReturned
	}
	return string(c.Status)
}

// DocumentIndex returns the index of the document with the given ID.
func (c *Claim) DocumentIndex(id string) (int, bool) {
	for i := range c.Documents {
		if c.Documents[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// DocumentOfType returns the index of the active document occupying the
// given slot.
func (c *Claim) DocumentOfType(t DocumentType) (int, bool) {
	if !t.Slotted() {
		return -1, false
	}
	for i := range c.Documents {
		if c.Documents[i].DocumentType == t {
			return i, true
		}
	}
	return -1, false
}

// FlaggedDocuments returns refs for every flagged document.
func (c *Claim) FlaggedDocuments() []DocumentRef {
	var refs []DocumentRef
	for _, d := range c.Documents {
		if d.Flagged {
			refs = append(refs, d.Ref())
		}
	}
	return refs
}

// Clone returns a deep copy of the claim.
func (c Claim) Clone() Claim {
	out := c
	if c.Documents != nil {
		out.Documents = make([]Document, len(c.Documents))
		for i, d := range c.Documents {
			out.Documents[i] = d.clone()
		}
	}
	out.MissingDocuments = cloneSlice(c.MissingDocuments)
	out.RejectedDocuments = cloneSlice(c.RejectedDocuments)
	out.DocumentsToResubmit = cloneSlice(c.DocumentsToResubmit)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	out.ApprovedAt = cloneTime(c.ApprovedAt)
	out.RejectedAt = cloneTime(c.RejectedAt)
	out.ResubmissionRequestedAt = cloneTime(c.ResubmissionRequestedAt)
	out.ResubmittedAt = cloneTime(c.ResubmittedAt)
	out.PaidAt = cloneTime(c.PaidAt)
	out.WithdrawnAt = cloneTime(c.WithdrawnAt)
	return out
}

func (d Document) clone() Document {
	out := d
	out.FlaggedAt = cloneTime(d.FlaggedAt)
	out.ResubmittedAt = cloneTime(d.ResubmittedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// ClaimSummary is a lightweight representation used in list views.
type ClaimSummary struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Status        ClaimStatus `json:"status"`
	DisplayStatus string      `json:"display_status"`
	VehicleMake   string      `json:"vehicle_make"`
	VehicleModel  string      `json:"vehicle_model"`
	DocumentCount int         `json:"document_count"`
	FlaggedCount  int         `json:"flagged_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Summary returns the list-view representation of c.
func (c Claim) Summary() ClaimSummary {
	return ClaimSummary{
		ID:            c.ID,
		OwnerID:       c.OwnerID,
		Status:        c.Status,
		DisplayStatus: c.DisplayStatus(),
		VehicleMake:   c.VehicleMake,
		VehicleModel:  c.VehicleModel,
		DocumentCount: len(c.Documents),
		FlaggedCount:  len(c.FlaggedDocuments()),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// ClaimFilters narrows a claim listing.
type ClaimFilters struct {
	OwnerID  string
	Status   ClaimStatus
	Page     int
	PageSize int
}

// Offset returns the zero-based row offset for the filter's page.
func (f ClaimFilters) Offset() int {
	if f.Page <= 1 || f.PageSize <= 0 {
		return 0
	}
	return (min(f.Page, MaxPage) - 1) * f.PageSize
}
