// Package audit persists and queries the claim audit trail.
package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/claimflow/model"
)

// Listing bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store records audit entries and answers queries over them.
type Store interface {
	// Record appends an entry. Entries are never updated.
	Record(ctx context.Context, entry model.AuditEntry) error

	// List returns one page of entries matching f, newest first, and the
	// total number of matches.
	List(ctx context.Context, f model.AuditFilters) ([]model.AuditEntry, int, error)

	// ClaimTrail returns every entry about a claim or one of its documents,
	// oldest first.
	ClaimTrail(ctx context.Context, claimID string) ([]model.AuditEntry, error)

	HealthCheck(ctx context.Context) error
}

// normalizeFilters applies paging defaults.
func normalizeFilters(f model.AuditFilters) model.AuditFilters {
	f.Page = min(max(f.Page, 1), model.MaxPage)
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return f
}

// splitActions turns a comma separated action filter into its parts.
func splitActions(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func prepareEntry(e model.AuditEntry) model.AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an entry.
func (s *MemoryStore) Record(_ context.Context, entry model.AuditEntry) error {
	entry = prepareEntry(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == entry.ID {
			return model.NewConflictError("audit entry " + entry.ID + " already recorded")
		}
	}
	s.entries = append(s.entries, entry)
	return nil
}

// List returns one page of matching entries, newest first.
func (s *MemoryStore) List(_ context.Context, f model.AuditFilters) ([]model.AuditEntry, int, error) {
	f = normalizeFilters(f)
	actions := splitActions(f.Action)

	s.mu.RLock()
	var matched []model.AuditEntry
	for _, e := range s.entries {
		if matches(e, f, actions) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return []model.AuditEntry{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ClaimTrail returns the entries about claimID, oldest first.
func (s *MemoryStore) ClaimTrail(_ context.Context, claimID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	var out []model.AuditEntry
	for _, e := range s.entries {
		if aboutClaim(e, claimID) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if out == nil {
		out = []model.AuditEntry{}
	}
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func matches(e model.AuditEntry, f model.AuditFilters, actions []string) bool {
	if len(actions) > 0 {
		found := false
		for _, a := range actions {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ActorRole != "" && e.ActorRole != f.ActorRole {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

func aboutClaim(e model.AuditEntry, claimID string) bool {
	if e.ResourceType == model.ResourceClaim && e.ResourceID == claimID {
		return true
	}
	id, _ := e.Details["claim_id"].(string)
	return id == claimID
}
