package workflow

import (
	"github.com/pitabwire/claimflow/model"
)

// Completeness is the result of evaluating a claim's documents against the
// required set.
type Completeness struct {
	MissingTypes     []model.DocumentType `json:"missing_types"`
	FlaggedDocuments []model.DocumentRef  `json:"flagged_documents"`
	CanSubmit        bool                 `json:"can_submit"`
}

// Evaluator computes completeness against a fixed set of required document
// types. It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	required []model.DocumentType
}

// NewEvaluator creates an evaluator. With no arguments the default required
// set is used.
func NewEvaluator(required ...model.DocumentType) *Evaluator {
	if len(required) == 0 {
		required = model.RequiredDocumentTypes
	}
	out := make([]model.DocumentType, 0, len(required))
	seen := make(map[model.DocumentType]bool, len(required))
	for _, t := range required {
		if seen[t] || !t.Slotted() {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return &Evaluator{required: out}
}

// Required returns the required document types in evaluation order.
func (e *Evaluator) Required() []model.DocumentType {
	out := make([]model.DocumentType, len(e.required))
	copy(out, e.required)
	return out
}

// Evaluate reports which required types are missing and which documents are
// flagged. MissingTypes and FlaggedDocuments are never nil.
func (e *Evaluator) Evaluate(c model.Claim) Completeness {
	present := make(map[model.DocumentType]bool, len(c.Documents))
	for _, d := range c.Documents {
		present[d.DocumentType] = true
	}

	missing := []model.DocumentType{}
	for _, t := range e.required {
		if !present[t] {
			missing = append(missing, t)
		}
	}

	flagged := c.FlaggedDocuments()
	if flagged == nil {
		flagged = []model.DocumentRef{}
	}

	return Completeness{
		MissingTypes:     missing,
		FlaggedDocuments: flagged,
		CanSubmit:        len(missing) == 0 && len(flagged) == 0,
	}
}

// missingDetails converts missing types into field errors naming each type.
func missingDetails(missing []model.DocumentType) []model.FieldError {
	details := make([]model.FieldError, 0, len(missing))
	for _, t := range missing {
		details = append(details, model.FieldError{
			Field:   string(t),
			Code:    model.FieldMissingDocument,
			Message: t.Label() + " is required",
		})
	}
	return details
}

// flaggedDetails converts flagged documents into field errors naming each
// document id.
func flaggedDetails(flagged []model.DocumentRef) []model.FieldError {
	details := make([]model.FieldError, 0, len(flagged))
	for _, d := range flagged {
		details = append(details, model.FieldError{
			Field:   d.ID,
			Code:    model.FieldFlaggedDocument,
			Message: "Document " + d.FileName + " is flagged and must be replaced",
		})
	}
	return details
}
