package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pitabwire/claimflow/model"
)

// Document operations are only legal while the claim is being prepared or
// corrected. This keeps flags out of submitted, processing and paid claims.
func documentsEditable(status model.ClaimStatus) error {
	if status == model.StatusPending || status == model.StatusRejected {
		return nil
	}
	return model.NewInvalidStateError(
		fmt.Sprintf("documents cannot be changed while the claim is %s", status),
	)
}

// validateFlagComment trims the comment and enforces its length bounds.
func validateFlagComment(comment string) (string, error) {
	trimmed := strings.TrimSpace(comment)
	n := utf8.RuneCountInString(trimmed)
	switch {
	case n < model.MinFlagCommentLength:
		return "", model.NewInvalidInputError(
			fmt.Sprintf("comment must be at least %d characters", model.MinFlagCommentLength),
			model.FieldError{Field: "comment", Code: model.FieldTooShort, Message: "Comment is too short"},
		)
	case n > model.MaxFlagCommentLength:
		return "", model.NewInvalidInputError(
			fmt.Sprintf("comment must be at most %d characters", model.MaxFlagCommentLength),
			model.FieldError{Field: "comment", Code: model.FieldTooLong, Message: "Comment is too long"},
		)
	}
	return trimmed, nil
}

// FlagDocument marks a document as needing correction.
func FlagDocument(d *model.Document, comment, actorID string, now time.Time) error {
	if d.Flagged {
		return model.NewInvalidStateError(fmt.Sprintf("document %q is already flagged", d.ID))
	}
	trimmed, err := validateFlagComment(comment)
	if err != nil {
		return err
	}
	markFlagged(d, trimmed, actorID, now)
	return nil
}

func markFlagged(d *model.Document, comment, actorID string, now time.Time) {
	at := now
	d.Flagged = true
	d.AdminComment = comment
	d.FlaggedAt = &at
	d.FlaggedBy = actorID
}

// UnflagDocument clears every flag field. Flag followed by Unflag restores
// the document exactly.
func UnflagDocument(d *model.Document) error {
	if !d.Flagged {
		return model.NewInvalidStateError(fmt.Sprintf("document %q is not flagged", d.ID))
	}
	d.Flagged = false
	d.AdminComment = ""
	d.FlaggedAt = nil
	d.FlaggedBy = ""
	return nil
}

// checkReplaceAllowed enforces who may replace which document.
func checkReplaceAllowed(c model.Claim, old model.Document, admin bool) error {
	if err := documentsEditable(c.Status); err != nil {
		return err
	}
	if !old.Flagged && !admin {
		return model.NewInvalidStateError(
			fmt.Sprintf("document %q is not flagged and cannot be replaced", old.ID),
		)
	}
	return nil
}

// newDocument builds a fresh record for an upload.
func newDocument(up model.DocumentUpload, docType model.DocumentType, actorID string, now time.Time) model.Document {
	return model.Document{
		ID:           uuid.New().String(),
		DocumentType: docType,
		FileName:     up.FileName,
		ContentType:  up.ContentType,
		Size:         up.Size,
		StorageKey:   up.StorageKey,
		UploadedAt:   now,
		UploadedBy:   actorID,
	}
}

// newReplacement builds the record that supersedes old. It keeps the
// document type and points back at the old id.
func newReplacement(old model.Document, up model.DocumentUpload, actorID string, now time.Time) model.Document {
	d := newDocument(up, old.DocumentType, actorID, now)
	d.ReplacedFromID = old.ID
	return d
}

// validateUpload checks the blob reference handed to the engine.
func validateUpload(up model.DocumentUpload) error {
	var details []model.FieldError
	if strings.TrimSpace(up.FileName) == "" {
		details = append(details, model.FieldError{Field: "file_name", Code: model.FieldRequired, Message: "File name is required"})
	}
	if up.StorageKey == "" {
		details = append(details, model.FieldError{Field: "storage_key", Code: model.FieldRequired, Message: "Stored file reference is required"})
	}
	if up.Size <= 0 {
		details = append(details, model.FieldError{Field: "file", Code: model.FieldRequired, Message: "File is empty"})
	}
	if len(details) > 0 {
		return model.NewInvalidInputError("invalid upload", details...)
	}
	return nil
}
