package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Text length limits shared by the engine and the HTTP layer.
const (
	MinReasonLength         = 10
	MinFlagCommentLength    = 5
	MaxFlagCommentLength    = 500
	MinDescriptionLength    = 10
	MaxDescriptionLength    = 1000
	MinVehicleYear          = 1900
	maxVehicleYearAheadYear = 1
)

// CreateClaimInput carries the intake form for a new claim.
type CreateClaimInput struct {
	VehicleMake     string    `json:"vehicle_make"`
	VehicleModel    string    `json:"vehicle_model"`
	VehicleYear     int       `json:"vehicle_year"`
	IncidentDate    time.Time `json:"incident_date"`
	Description     string    `json:"description"`
	EstimatedDamage float64   `json:"estimated_damage"`
}

// Validate checks the intake form. now bounds the vehicle year.
func (in CreateClaimInput) Validate(now time.Time) []FieldError {
	var errs []FieldError
	if strings.TrimSpace(in.VehicleMake) == "" {
		errs = append(errs, FieldError{Field: "vehicle_make", Code: FieldRequired, Message: "Vehicle make is required"})
	}
	if strings.TrimSpace(in.VehicleModel) == "" {
		errs = append(errs, FieldError{Field: "vehicle_model", Code: FieldRequired, Message: "Vehicle model is required"})
	}
	maxYear := now.Year() + maxVehicleYearAheadYear
	if in.VehicleYear < MinVehicleYear || in.VehicleYear > maxYear {
		errs = append(errs, FieldError{
			Field:   "vehicle_year",
			Code:    FieldOutOfRange,
			Message: fmt.Sprintf("Vehicle year must be between %d and %d", MinVehicleYear, maxYear),
		})
	}
	if in.IncidentDate.IsZero() {
		errs = append(errs, FieldError{Field: "incident_date", Code: FieldRequired, Message: "Incident date is required"})
	}
	desc := utf8.RuneCountInString(strings.TrimSpace(in.Description))
	switch {
	case desc < MinDescriptionLength:
		errs = append(errs, FieldError{
			Field: "description", Code: FieldTooShort,
			Message: fmt.Sprintf("Description must be at least %d characters", MinDescriptionLength),
		})
	case desc > MaxDescriptionLength:
		errs = append(errs, FieldError{
			Field: "description", Code: FieldTooLong,
			Message: fmt.Sprintf("Description must be at most %d characters", MaxDescriptionLength),
		})
	}
	if in.EstimatedDamage < 0 {
		errs = append(errs, FieldError{Field: "estimated_damage", Code: FieldOutOfRange, Message: "Estimated damage cannot be negative"})
	}
	return errs
}

// ActionPayload carries the optional inputs of a status-changing action.
// Which fields are read depends on the action.
type ActionPayload struct {
	Reason              string   `json:"reason,omitempty"`
	RejectedDocuments   []string `json:"rejected_documents,omitempty"`
	DocumentsToResubmit []string `json:"documents_to_resubmit,omitempty"`
	Amount              float64  `json:"amount,omitempty"`
	Method              string   `json:"method,omitempty"`
	Reference           string   `json:"reference,omitempty"`
}

// TrimmedReason returns the reason with surrounding whitespace removed.
func (p ActionPayload) TrimmedReason() string {
	return strings.TrimSpace(p.Reason)
}

// DocumentUpload describes a file already written to blob storage that is to
// be attached to a claim.
type DocumentUpload struct {
	DocumentType DocumentType `json:"document_type"`
	FileName     string       `json:"file_name"`
	ContentType  string       `json:"content_type"`
	Size         int64        `json:"size"`
	StorageKey   string       `json:"storage_key"`
}

// TransitionResult is returned by a successful status-changing action.
type TransitionResult struct {
	Claim      Claim       `json:"claim"`
	Action     Action      `json:"action"`
	FromStatus ClaimStatus `json:"from_status"`
	ToStatus   ClaimStatus `json:"to_status"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// DocumentResult is returned by document operations. Superseded is set when
// the operation displaced an existing document whose blob can be released.
type DocumentResult struct {
	Claim      Claim     `json:"claim"`
	Document   Document  `json:"document"`
	Superseded *Document `json:"superseded,omitempty"`
}
