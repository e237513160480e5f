package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/claimflow/model"
)

// MemoryClaimStore is an in-memory ClaimStore. Claims are cloned on the way
// in and out so callers never share document slices with the store.
type MemoryClaimStore struct {
	mu     sync.RWMutex
	claims map[string]model.Claim
	now    func() time.Time
}

// NewMemoryClaimStore creates a new in-memory claim store.
func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{
		claims: make(map[string]model.Claim),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new claim.
func (s *MemoryClaimStore) Create(_ context.Context, claim model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.claims[claim.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("claim %q already exists", claim.ID))
	}
	if claim.Version == 0 {
		claim.Version = 1
	}
	s.claims[claim.ID] = claim.Clone()
	return nil
}

// Get retrieves a claim by ID.
func (s *MemoryClaimStore) Get(_ context.Context, id string) (model.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.claims[id]
	if !exists {
		return model.Claim{}, claimNotFound(id)
	}
	return c.Clone(), nil
}

// List returns claims matching the filters, newest first.
func (s *MemoryClaimStore) List(_ context.Context, filters model.ClaimFilters) ([]model.Claim, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Claim
	for _, c := range s.claims {
		if filters.OwnerID != "" && c.OwnerID != filters.OwnerID {
			continue
		}
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	if off := filters.Offset(); off > 0 {
		if off >= len(result) {
			return []model.Claim{}, total, nil
		}
		result = result[off:]
	}
	if filters.PageSize > 0 && filters.PageSize < len(result) {
		result = result[:filters.PageSize]
	}

	out := make([]model.Claim, len(result))
	for i, c := range result {
		out[i] = c.Clone()
	}
	return out, total, nil
}

// CompareAndSet mutates the claim if its status still equals expected.
func (s *MemoryClaimStore) CompareAndSet(_ context.Context, id string, expected model.ClaimStatus, mutate MutateFunc) (model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.claims[id]
	if !exists {
		return model.Claim{}, claimNotFound(id)
	}
	if current.Status != expected {
		return model.Claim{}, statusConflict(id, expected, current.Status)
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return model.Claim{}, err
	}
	return s.commit(next), nil
}

// MutateDocument applies mutate to a single document.
func (s *MemoryClaimStore) MutateDocument(_ context.Context, claimID, docID string, mutate DocumentMutateFunc) (model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.claims[claimID]
	if !exists {
		return model.Claim{}, claimNotFound(claimID)
	}
	i, ok := current.DocumentIndex(docID)
	if !ok {
		return model.Claim{}, documentNotFound(docID)
	}

	next := current.Clone()
	if err := mutate(current.Clone(), &next.Documents[i]); err != nil {
		return model.Claim{}, err
	}
	return s.commit(next), nil
}

// ReplaceDocumentAtomic swaps one document for another in a single write.
func (s *MemoryClaimStore) ReplaceDocumentAtomic(_ context.Context, claimID, oldDocID string, build ReplaceFunc) (model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.claims[claimID]
	if !exists {
		return model.Claim{}, claimNotFound(claimID)
	}
	i, ok := current.DocumentIndex(oldDocID)
	if !ok {
		return model.Claim{}, model.NewConflictError(
			fmt.Sprintf("document %q is no longer attached to claim %q", oldDocID, claimID),
		)
	}

	doc, err := build(current.Clone(), current.Documents[i])
	if err != nil {
		return model.Claim{}, err
	}
	next := current.Clone()
	swapDocument(&next, i, doc)
	return s.commit(next), nil
}

// Delete removes a claim.
func (s *MemoryClaimStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.claims[id]; !exists {
		return claimNotFound(id)
	}
	delete(s.claims, id)
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryClaimStore) HealthCheck(context.Context) error { return nil }

// ReferencedKeys returns the storage key of every attached document.
func (s *MemoryClaimStore) ReferencedKeys(context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make(map[string]bool)
	for _, c := range s.claims {
		for _, d := range c.Documents {
			if d.StorageKey != "" {
				keys[d.StorageKey] = true
			}
		}
	}
	return keys, nil
}

// Len returns the total number of claims. For testing.
func (s *MemoryClaimStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.claims)
}

// commit must be called with the write lock held.
func (s *MemoryClaimStore) commit(next model.Claim) model.Claim {
	next.Version++
	next.UpdatedAt = s.now()
	s.claims[next.ID] = next
	return next.Clone()
}

func claimNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("claim %q not found", id))
}

func documentNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("document %q not found", id))
}

func statusConflict(id string, expected, actual model.ClaimStatus) error {
	return model.NewConflictError(
		fmt.Sprintf("claim %q changed concurrently (expected %s, found %s)", id, expected, actual),
	)
}
