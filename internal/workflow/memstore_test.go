package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/claimflow/model"
)

// --- Create ---

func TestMemoryClaimStore_Create(t *testing.T) {
	store := NewMemoryClaimStore()
	err := store.Create(context.Background(), testClaim("claim-1", model.StatusPending))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryClaimStore_Create_duplicate(t *testing.T) {
	store := NewMemoryClaimStore()
	c := testClaim("claim-1", model.StatusPending)

	_ = store.Create(context.Background(), c)
	err := store.Create(context.Background(), c)
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Code != model.ErrConflict {
		t.Errorf("code = %s, want %s", envErr.Code, model.ErrConflict)
	}
}

// --- Get ---

func TestMemoryClaimStore_Get_returnsCopy(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending, completeDocs()...))

	got, err := store.Get(context.Background(), "claim-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	got.Documents[0].Flagged = true
	got.Status = model.StatusPaid

	again, _ := store.Get(context.Background(), "claim-1")
	if again.Documents[0].Flagged || again.Status != model.StatusPending {
		t.Error("mutating a returned claim must not change the store")
	}
}

func TestMemoryClaimStore_Get_notFound(t *testing.T) {
	store := NewMemoryClaimStore()
	_, err := store.Get(context.Background(), "missing")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- CompareAndSet ---

func TestMemoryClaimStore_CompareAndSet(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusSubmitted))

	got, err := store.CompareAndSet(context.Background(), "claim-1", model.StatusSubmitted, func(c *model.Claim) error {
		c.Status = model.StatusProcessing
		return nil
	})
	if err != nil {
		t.Fatalf("CompareAndSet error: %v", err)
	}
	if got.Status != model.StatusProcessing || got.Version != 2 {
		t.Errorf("claim = %s v%d", got.Status, got.Version)
	}
	if !got.UpdatedAt.After(testNow.Add(-48 * time.Hour)) {
		t.Error("updated_at should be refreshed")
	}
}

func TestMemoryClaimStore_CompareAndSet_statusMismatch(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusProcessing))

	called := false
	_, err := store.CompareAndSet(context.Background(), "claim-1", model.StatusSubmitted, func(c *model.Claim) error {
		called = true
		return nil
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
	if called {
		t.Error("mutation must not run on status mismatch")
	}
}

func TestMemoryClaimStore_CompareAndSet_mutateErrorLeavesClaim(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending, completeDocs()...))
	boom := errors.New("boom")

	_, err := store.CompareAndSet(context.Background(), "claim-1", model.StatusPending, func(c *model.Claim) error {
		c.Status = model.StatusWithdrawn
		c.Documents = nil
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the mutation error unchanged", err)
	}
	stored, _ := store.Get(context.Background(), "claim-1")
	if stored.Status != model.StatusPending || len(stored.Documents) != 5 || stored.Version != 1 {
		t.Errorf("partial write: %+v", stored)
	}
}

func TestMemoryClaimStore_CompareAndSet_notFound(t *testing.T) {
	store := NewMemoryClaimStore()
	_, err := store.CompareAndSet(context.Background(), "missing", model.StatusPending, func(*model.Claim) error { return nil })
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- MutateDocument ---

func TestMemoryClaimStore_MutateDocument(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending, completeDocs()...))

	got, err := store.MutateDocument(context.Background(), "claim-1", "doc-police", func(_ model.Claim, d *model.Document) error {
		d.Flagged = true
		d.AdminComment = "Unsigned"
		return nil
	})
	if err != nil {
		t.Fatalf("MutateDocument error: %v", err)
	}
	if !got.Documents[3].Flagged || got.Version != 2 {
		t.Errorf("document not updated: %+v", got.Documents[3])
	}
}

func TestMemoryClaimStore_MutateDocument_missingDocument(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending))

	_, err := store.MutateDocument(context.Background(), "claim-1", "doc-x", func(model.Claim, *model.Document) error { return nil })
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- ReplaceDocumentAtomic ---

func TestMemoryClaimStore_ReplaceDocumentAtomic(t *testing.T) {
	store := NewMemoryClaimStore()
	c := testClaim("claim-1", model.StatusRejected, completeDocs()...)
	c.RejectedDocuments = []string{"doc-policy"}
	_ = store.Create(context.Background(), c)

	got, err := store.ReplaceDocumentAtomic(context.Background(), "claim-1", "doc-policy", func(_ model.Claim, old model.Document) (model.Document, error) {
		next := testDoc("doc-policy-2", old.DocumentType)
		next.ReplacedFromID = old.ID
		return next, nil
	})
	if err != nil {
		t.Fatalf("ReplaceDocumentAtomic error: %v", err)
	}
	if got.Documents[2].ID != "doc-policy-2" {
		t.Errorf("documents[2] = %s, want in-place replacement", got.Documents[2].ID)
	}
	if got.RejectedDocuments[0] != "doc-policy-2" {
		t.Errorf("rejected documents = %v", got.RejectedDocuments)
	}
}

func TestMemoryClaimStore_ReplaceDocumentAtomic_goneIsConflict(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending))

	_, err := store.ReplaceDocumentAtomic(context.Background(), "claim-1", "doc-x", func(model.Claim, model.Document) (model.Document, error) {
		return model.Document{}, nil
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

// --- List ---

func TestMemoryClaimStore_List_pagination(t *testing.T) {
	store := NewMemoryClaimStore()
	for i := 0; i < 5; i++ {
		c := testClaim(fmt.Sprintf("claim-%d", i), model.StatusPending)
		c.CreatedAt = testNow.Add(time.Duration(i) * time.Minute)
		_ = store.Create(context.Background(), c)
	}

	page, total, err := store.List(context.Background(), model.ClaimFilters{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].ID != "claim-2" || page[1].ID != "claim-1" {
		t.Errorf("page = %v, want claim-2, claim-1 (newest first)", ids(page))
	}

	page, _, _ = store.List(context.Background(), model.ClaimFilters{Page: 4, PageSize: 2})
	if len(page) != 0 {
		t.Errorf("page past the end = %v", ids(page))
	}
}

func TestMemoryClaimStore_List_filters(t *testing.T) {
	store := NewMemoryClaimStore()
	a := testClaim("claim-a", model.StatusPending)
	b := testClaim("claim-b", model.StatusPaid)
	b.OwnerID = "client-2"
	_ = store.Create(context.Background(), a)
	_ = store.Create(context.Background(), b)

	got, total, _ := store.List(context.Background(), model.ClaimFilters{OwnerID: "client-2"})
	if total != 1 || got[0].ID != "claim-b" {
		t.Errorf("owner filter = %v", ids(got))
	}
	got, total, _ = store.List(context.Background(), model.ClaimFilters{Status: model.StatusPending})
	if total != 1 || got[0].ID != "claim-a" {
		t.Errorf("status filter = %v", ids(got))
	}
}

// --- Delete / ReferencedKeys ---

func TestMemoryClaimStore_Delete(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending))

	if err := store.Delete(context.Background(), "claim-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := store.Delete(context.Background(), "claim-1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("second delete err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryClaimStore_ReferencedKeys(t *testing.T) {
	store := NewMemoryClaimStore()
	_ = store.Create(context.Background(), testClaim("claim-1", model.StatusPending, completeDocs()...))

	keys, err := store.ReferencedKeys(context.Background())
	if err != nil {
		t.Fatalf("ReferencedKeys error: %v", err)
	}
	if len(keys) != 5 || !keys["claims/claim-1/doc-police"] {
		t.Errorf("keys = %v", keys)
	}
}

func ids(claims []model.Claim) []string {
	out := make([]string, len(claims))
	for i, c := range claims {
		out[i] = c.ID
	}
	return out
}
