package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pitabwire/claimflow/model"
)

// ActorScope names who may perform an action.
type ActorScope string

const (
	// ActorOwner actions may only be performed by the client who owns the
	// claim.
	ActorOwner ActorScope = "owner"
	// ActorAdmin actions may only be performed by an admin.
	ActorAdmin ActorScope = "admin"
)

// Precondition names the business rule checked before a transition commits.
type Precondition string

const (
	PreNone         Precondition = "none"
	PreCompleteness Precondition = "completeness"
	PreNoFlagged    Precondition = "no_flagged_documents"
	PreReason       Precondition = "reason"
	PrePayment      Precondition = "payment"
)

// Transition is one edge of the claim state machine.
type Transition struct {
	From         model.ClaimStatus
	Action       model.Action
	To           model.ClaimStatus
	Actor        ActorScope
	Precondition Precondition
}

type edgeKey struct {
	from   model.ClaimStatus
	action model.Action
}

// Table is an immutable lookup of legal transitions.
type Table struct {
	order  []Transition
	edges  map[edgeKey]Transition
	actors map[model.Action]ActorScope
}

var defaultTransitions = []Transition{
	{model.StatusPending, model.ActionSubmit, model.StatusSubmitted, ActorOwner, PreCompleteness},
	{model.StatusPending, model.ActionMarkSubmitted, model.StatusSubmitted, ActorAdmin, PreNoFlagged},
	{model.StatusPending, model.ActionWithdraw, model.StatusWithdrawn, ActorOwner, PreNone},
	{model.StatusSubmitted, model.ActionApprove, model.StatusProcessing, ActorAdmin, PreNone},
	{model.StatusSubmitted, model.ActionReject, model.StatusRejected, ActorAdmin, PreReason},
	{model.StatusSubmitted, model.ActionRequestResubmission, model.StatusPending, ActorAdmin, PreReason},
	{model.StatusProcessing, model.ActionPay, model.StatusPaid, ActorAdmin, PrePayment},
	{model.StatusProcessing, model.ActionReject, model.StatusRejected, ActorAdmin, PreReason},
	{model.StatusRejected, model.ActionResubmit, model.StatusPending, ActorOwner, PreNone},
}

// NewTable builds a table from the given transitions. Every action must be
// bound to the same actor scope wherever it appears, and no (from, action)
// pair may repeat.
func NewTable(transitions ...Transition) (*Table, error) {
	t := &Table{
		edges:  make(map[edgeKey]Transition, len(transitions)),
		actors: make(map[model.Action]ActorScope),
	}
	for _, tr := range transitions {
		if !tr.From.Valid() || !tr.To.Valid() {
			return nil, fmt.Errorf("transition %s: invalid status %q -> %q", tr.Action, tr.From, tr.To)
		}
		key := edgeKey{tr.From, tr.Action}
		if _, dup := t.edges[key]; dup {
			return nil, fmt.Errorf("transition %s from %s defined twice", tr.Action, tr.From)
		}
		if scope, ok := t.actors[tr.Action]; ok && scope != tr.Actor {
			return nil, fmt.Errorf("action %s bound to both %s and %s", tr.Action, scope, tr.Actor)
		}
		t.edges[key] = tr
		t.actors[tr.Action] = tr.Actor
		t.order = append(t.order, tr)
	}
	return t, nil
}

// DefaultTable returns the claim lifecycle table.
func DefaultTable() *Table {
	t, err := NewTable(defaultTransitions...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the transition for (from, action).
func (t *Table) Lookup(from model.ClaimStatus, action model.Action) (Transition, bool) {
	tr, ok := t.edges[edgeKey{from, action}]
	return tr, ok
}

// ActorFor returns the scope bound to an action.
func (t *Table) ActorFor(action model.Action) (ActorScope, bool) {
	s, ok := t.actors[action]
	return s, ok
}

// From lists the transitions leaving a status, in table order.
func (t *Table) From(status model.ClaimStatus) []Transition {
	var out []Transition
	for _, tr := range t.order {
		if tr.From == status {
			out = append(out, tr)
		}
	}
	return out
}

// All returns every transition in table order.
func (t *Table) All() []Transition {
	out := make([]Transition, len(t.order))
	copy(out, t.order)
	return out
}

// authorize checks the actor against a scope for the given claim.
func authorize(rctx *model.RequestContext, c model.Claim, scope ActorScope) error {
	switch scope {
	case ActorAdmin:
		if !rctx.IsAdmin() {
			return model.NewForbiddenError("this action requires the admin role")
		}
	case ActorOwner:
		if !rctx.Owns(c) {
			return model.NewForbiddenError("only the claim owner may perform this action")
		}
	default:
		return model.NewForbiddenError("action is not permitted")
	}
	return nil
}

// authorizeRead allows the owner and any admin.
func authorizeRead(rctx *model.RequestContext, c model.Claim) error {
	if rctx.IsAdmin() || rctx.Owns(c) {
		return nil
	}
	return model.NewForbiddenError("you do not have access to this claim")
}

// checkPrecondition evaluates the transition's rule against a claim snapshot.
// It returns warnings for rules that pass with caveats.
func checkPrecondition(tr Transition, c model.Claim, p model.ActionPayload, eval *Evaluator) ([]string, error) {
	switch tr.Precondition {
	case PreCompleteness:
		comp := eval.Evaluate(c)
		if !comp.CanSubmit {
			details := append(missingDetails(comp.MissingTypes), flaggedDetails(comp.FlaggedDocuments)...)
			return nil, model.NewPreconditionFailedError(completenessMessage(comp), details...)
		}
	case PreNoFlagged:
		comp := eval.Evaluate(c)
		if len(comp.FlaggedDocuments) > 0 {
			return nil, model.NewPreconditionFailedError(
				"claim has flagged documents that must be replaced first",
				flaggedDetails(comp.FlaggedDocuments)...,
			)
		}
		var warnings []string
		for _, t := range comp.MissingTypes {
			warnings = append(warnings, fmt.Sprintf("missing document: %s", t))
		}
		return warnings, nil
	case PreReason:
		if utf8.RuneCountInString(p.TrimmedReason()) < model.MinReasonLength {
			return nil, model.NewPreconditionFailedError(
				fmt.Sprintf("a reason of at least %d characters is required", model.MinReasonLength),
				model.FieldError{
					Field:   "reason",
					Code:    model.FieldTooShort,
					Message: fmt.Sprintf("Reason must be at least %d characters", model.MinReasonLength),
				},
			)
		}
		refs := p.RejectedDocuments
		field := "rejected_documents"
		if tr.Action == model.ActionRequestResubmission {
			refs = p.DocumentsToResubmit
			field = "documents_to_resubmit"
		}
		if err := checkDocumentRefs(c, field, refs); err != nil {
			return nil, err
		}
	case PrePayment:
		var details []model.FieldError
		if p.Amount <= 0 {
			details = append(details, model.FieldError{
				Field: "amount", Code: model.FieldOutOfRange, Message: "Payment amount must be greater than zero",
			})
		}
		if strings.TrimSpace(p.Method) == "" {
			details = append(details, model.FieldError{
				Field: "method", Code: model.FieldRequired, Message: "Payment method is required",
			})
		}
		if len(details) > 0 {
			return nil, model.NewPreconditionFailedError("payment amount and method are required", details...)
		}
	}
	return nil, nil
}

func completenessMessage(comp Completeness) string {
	var parts []string
	if len(comp.MissingTypes) > 0 {
		names := make([]string, len(comp.MissingTypes))
		for i, t := range comp.MissingTypes {
			names[i] = string(t)
		}
		parts = append(parts, "missing required documents: "+strings.Join(names, ", "))
	}
	if len(comp.FlaggedDocuments) > 0 {
		parts = append(parts, fmt.Sprintf("%d flagged document(s) must be replaced", len(comp.FlaggedDocuments)))
	}
	return "claim is not complete: " + strings.Join(parts, "; ")
}

// checkDocumentRefs verifies that every id names a document on the claim.
func checkDocumentRefs(c model.Claim, field string, ids []string) error {
	var details []model.FieldError
	for _, id := range ids {
		if _, ok := c.DocumentIndex(id); !ok {
			details = append(details, model.FieldError{
				Field:   field,
				Code:    model.FieldUnknown,
				Message: fmt.Sprintf("document %q is not attached to this claim", id),
			})
		}
	}
	if len(details) > 0 {
		return model.NewInvalidInputError("unknown document reference", details...)
	}
	return nil
}

// applyTransition computes the new claim state for a committed transition.
func applyTransition(tr Transition, c *model.Claim, p model.ActionPayload, eval *Evaluator, actorID string, now time.Time) {
	reason := p.TrimmedReason()
	at := now

	clearSuperseded(tr, c)

	switch tr.Action {
	case model.ActionSubmit:
		c.SubmittedAt = &at
		c.SubmittedBy = actorID
		c.MissingDocuments = nil
	case model.ActionMarkSubmitted:
		c.SubmittedAt = &at
		c.SubmittedBy = actorID
		c.MissingDocuments = eval.Evaluate(*c).MissingTypes
		if len(c.MissingDocuments) == 0 {
			c.MissingDocuments = nil
		}
	case model.ActionWithdraw:
		c.WithdrawnAt = &at
		c.WithdrawnBy = actorID
	case model.ActionApprove:
		c.ApprovedAt = &at
		c.ApprovedBy = actorID
	case model.ActionReject:
		c.RejectionReason = reason
		c.RejectedAt = &at
		c.RejectedBy = actorID
		c.RejectedDocuments = uniqueIDs(p.RejectedDocuments)
		flagDocuments(c, c.RejectedDocuments, reason, actorID, now)
	case model.ActionRequestResubmission:
		c.ResubmissionReason = reason
		c.ResubmissionRequestedAt = &at
		c.ResubmissionRequestedBy = actorID
		c.DocumentsToResubmit = uniqueIDs(p.DocumentsToResubmit)
		flagDocuments(c, c.DocumentsToResubmit, reason, actorID, now)
	case model.ActionPay:
		c.PaidAt = &at
		c.PaidBy = actorID
		c.PaymentAmount = p.Amount
		c.PaymentMethod = strings.TrimSpace(p.Method)
		c.PaymentReference = strings.TrimSpace(p.Reference)
	case model.ActionResubmit:
		c.ResubmittedAt = &at
		c.ResubmittedBy = actorID
	}

	c.Status = tr.To
	c.LastTransitionReason = reason
	c.LastTransitionActor = actorID
}

// clearSuperseded drops the status-scoped fields of the status a transition
// leaves behind. Stamps along the forward path (submitted, processing, paid)
// are kept; a move back to pending or into rejected drops the stamps of the
// statuses the claim no longer stands on.
func clearSuperseded(tr Transition, c *model.Claim) {
	switch tr.From {
	case model.StatusPending:
		c.ResubmissionReason = ""
		c.ResubmissionRequestedAt = nil
		c.ResubmissionRequestedBy = ""
		c.DocumentsToResubmit = nil
		c.ResubmittedAt = nil
		c.ResubmittedBy = ""
	case model.StatusRejected:
		c.RejectionReason = ""
		c.RejectedAt = nil
		c.RejectedBy = ""
		c.RejectedDocuments = nil
	}

	switch tr.To {
	case model.StatusPending:
		c.SubmittedAt = nil
		c.SubmittedBy = ""
		c.MissingDocuments = nil
		c.ApprovedAt = nil
		c.ApprovedBy = ""
	case model.StatusRejected:
		c.ApprovedAt = nil
		c.ApprovedBy = ""
	}
}

// flagDocuments flags each listed document that is not already flagged.
func flagDocuments(c *model.Claim, ids []string, comment, actorID string, now time.Time) {
	comment = truncateRunes(comment, model.MaxFlagCommentLength)
	for _, id := range ids {
		i, ok := c.DocumentIndex(id)
		if !ok || c.Documents[i].Flagged {
			continue
		}
		markFlagged(&c.Documents[i], comment, actorID, now)
	}
}

// assertNoFlagsWhileActive rejects any state that would hold a flagged
// document while submitted, processing or paid.
func assertNoFlagsWhileActive(c model.Claim) error {
	switch c.Status {
	case model.StatusSubmitted, model.StatusProcessing, model.StatusPaid:
		if flagged := c.FlaggedDocuments(); len(flagged) > 0 {
			return model.NewPreconditionFailedError(
				fmt.Sprintf("claim cannot be %s while documents are flagged", c.Status),
				flaggedDetails(flagged)...,
			)
		}
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
