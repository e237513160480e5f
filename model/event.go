package model

import "time"

// ClaimEvent is emitted after a claim mutation has been committed. For
// status-changing actions FromStatus and ToStatus differ; for document and
// lifecycle actions both hold the claim's status at commit time.
type ClaimEvent struct {
	ID         string         `json:"id"`
	ClaimID    string         `json:"claim_id"`
	OwnerID    string         `json:"owner_id"`
	Action     Action         `json:"action"`
	FromStatus ClaimStatus    `json:"from_status"`
	ToStatus   ClaimStatus    `json:"to_status"`
	ActorID    string         `json:"actor_id"`
	ActorRole  Role           `json:"actor_role"`
	Payload    ActionPayload  `json:"payload"`
	Documents  []DocumentRef  `json:"documents,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Transition reports whether the event records a status change.
func (e ClaimEvent) Transition() bool {
	return e.FromStatus != e.ToStatus
}

// Audit resource types.
const (
	ResourceClaim    = "claim"
	ResourceDocument = "document"
)

// AuditEntry is one record in the audit trail.
type AuditEntry struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	Details      map[string]any `json:"details,omitempty"`
	ActorID      string         `json:"actor_id"`
	ActorRole    Role           `json:"actor_role"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Timestamp    time.Time      `json:"timestamp"`
}

// AuditFilters narrows an audit query.
type AuditFilters struct {
	Action       string
	ActorID      string
	ActorRole    Role
	ResourceType string
	ResourceID   string
	From         *time.Time
	To           *time.Time
	Page         int
	Limit        int
}

// Pagination describes a page of results.
type Pagination struct {
	Current int  `json:"current"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
	HasPrev bool `json:"has_prev"`
}

// MaxPage is the highest page number a listing accepts. It keeps row offsets
// well inside int range for every page size.
const MaxPage = 100_000

// NewPagination computes page metadata for a result window.
func NewPagination(page, limit, returned, total int) Pagination {
	page = min(max(page, 1), MaxPage)
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	offset := (page - 1) * limit
	return Pagination{
		Current: page,
		Total:   pages,
		HasNext: offset+returned < total,
		HasPrev: page > 1,
	}
}

// Notification types.
const (
	NotifyClaimSubmitted        = "claim_submitted"
	NotifyClaimStatusChange     = "claim_status_change"
	NotifyClaimRejected         = "claim_rejected"
	NotifyFileFlagged           = "file_flagged"
	NotifyResubmissionRequested = "resubmission_requested"
	NotifyNewClaim              = "new_claim"
	NotifyClaimUpdated          = "claim_updated"
)

// Notification is a message addressed to one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
