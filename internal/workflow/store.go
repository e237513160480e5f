package workflow

import (
	"context"

	"github.com/pitabwire/claimflow/model"
)

// MutateFunc changes a claim in place. Returning an error aborts the write
// and the error is returned to the caller unchanged.
type MutateFunc func(c *model.Claim) error

// DocumentMutateFunc changes one document of a claim. The claim snapshot is
// read-only context for the decision.
type DocumentMutateFunc func(c model.Claim, doc *model.Document) error

// ReplaceFunc builds the document that supersedes old. Returning an error
// aborts the write.
type ReplaceFunc func(c model.Claim, old model.Document) (model.Document, error)

// ClaimStore persists claims. Every successful write increments Version and
// sets UpdatedAt. Implementations must be safe for concurrent use.
type ClaimStore interface {
	// Create persists a new claim. Returns CONFLICT if the id exists.
	Create(ctx context.Context, claim model.Claim) error

	// Get retrieves a claim by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.Claim, error)

	// List returns one page of claims matching the filters, newest first,
	// plus the total number of matches.
	List(ctx context.Context, filters model.ClaimFilters) ([]model.Claim, int, error)

	// CompareAndSet applies mutate to the stored claim if and only if its
	// status still equals expected. Returns CONFLICT on a status mismatch.
	// The check, the mutation and the write happen atomically.
	CompareAndSet(ctx context.Context, id string, expected model.ClaimStatus, mutate MutateFunc) (model.Claim, error)

	// MutateDocument applies mutate to the document with the given id in a
	// single write. Returns NOT_FOUND if the claim or document is absent.
	MutateDocument(ctx context.Context, claimID, docID string, mutate DocumentMutateFunc) (model.Claim, error)

	// ReplaceDocumentAtomic swaps the document oldDocID for the one built by
	// build, at the same position, in a single write. References to the old
	// id in RejectedDocuments and DocumentsToResubmit are rewritten to the
	// new id. Returns CONFLICT if the old document is no longer attached.
	ReplaceDocumentAtomic(ctx context.Context, claimID, oldDocID string, build ReplaceFunc) (model.Claim, error)

	// Delete removes a claim. Returns NOT_FOUND if absent.
	Delete(ctx context.Context, id string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// swapDocument replaces the document at index i and rewrites references.
func swapDocument(c *model.Claim, i int, next model.Document) {
	oldID := c.Documents[i].ID
	c.Documents[i] = next
	c.RejectedDocuments = rewriteID(c.RejectedDocuments, oldID, next.ID)
	c.DocumentsToResubmit = rewriteID(c.DocumentsToResubmit, oldID, next.ID)
}

func rewriteID(ids []string, from, to string) []string {
	for i, id := range ids {
		if id == from {
			ids[i] = to
		}
	}
	return ids
}
