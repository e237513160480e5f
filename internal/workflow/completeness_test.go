package workflow

import (
	"testing"

	"github.com/pitabwire/claimflow/model"
)

func TestEvaluator_complete(t *testing.T) {
	comp := NewEvaluator().Evaluate(testClaim("c", model.StatusPending, completeDocs()...))
	if !comp.CanSubmit {
		t.Error("complete claim should be submittable")
	}
	if comp.MissingTypes == nil || comp.FlaggedDocuments == nil {
		t.Error("slices must be non-nil for JSON output")
	}
}

func TestEvaluator_missingAndFlagged(t *testing.T) {
	docs := completeDocs()[1:] // no driver's license
	docs[0].Flagged = true

	comp := NewEvaluator().Evaluate(testClaim("c", model.StatusPending, docs...))
	if comp.CanSubmit {
		t.Error("CanSubmit = true, want false")
	}
	if len(comp.MissingTypes) != 1 || comp.MissingTypes[0] != model.DocDriversLicense {
		t.Errorf("missing = %v", comp.MissingTypes)
	}
	if len(comp.FlaggedDocuments) != 1 || comp.FlaggedDocuments[0].ID != "doc-registration" {
		t.Errorf("flagged = %+v", comp.FlaggedDocuments)
	}
}

func TestEvaluator_otherDocumentsDoNotCount(t *testing.T) {
	comp := NewEvaluator().Evaluate(testClaim("c", model.StatusPending, testDoc("o", model.DocOther)))
	if len(comp.MissingTypes) != 5 {
		t.Errorf("missing = %d, want 5", len(comp.MissingTypes))
	}
}

func TestNewEvaluator_customSet(t *testing.T) {
	e := NewEvaluator(model.DocPoliceReport, model.DocPoliceReport, model.DocOther, model.DocRepairEstimate)
	req := e.Required()
	if len(req) != 2 || req[0] != model.DocPoliceReport || req[1] != model.DocRepairEstimate {
		t.Errorf("required = %v, want deduplicated slotted types", req)
	}

	comp := e.Evaluate(testClaim("c", model.StatusPending,
		testDoc("p", model.DocPoliceReport), testDoc("r", model.DocRepairEstimate)))
	if !comp.CanSubmit {
		t.Error("claim satisfying the custom set should be submittable")
	}
}

func TestEvaluator_Required_returnsCopy(t *testing.T) {
	e := NewEvaluator()
	req := e.Required()
	req[0] = model.DocOther
	if e.Required()[0] != model.DocDriversLicense {
		t.Error("Required must not expose internal state")
	}
}
