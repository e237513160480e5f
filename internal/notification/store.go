// Package notification stores per-user notification inboxes and resolves
// the admin directory used for admin-addressed messages.
package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/claimflow/model"
)

// Inbox paging bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Inbox is one page of a user's notifications.
type Inbox struct {
	Notifications []model.Notification `json:"notifications"`
	Total         int                  `json:"total"`
	UnreadCount   int                  `json:"unread_count"`
}

// Store persists notifications. Every operation is scoped to one user: a
// user can never read or change another user's notifications.
type Store interface {
	Save(ctx context.Context, n model.Notification) error
	// List returns one page of the user's inbox, newest first.
	List(ctx context.Context, userID string, page, limit int) (Inbox, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) error
	// MarkAllRead marks every unread notification read and reports how many
	// changed.
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error)
	Delete(ctx context.Context, userID, id string) error
	HealthCheck(ctx context.Context) error
}

func normalizePage(page, limit int) (int, int) {
	page = min(max(page, 1), model.MaxPage)
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("notification %q not found", id))
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]model.Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]model.Notification)}
}

// Save stores n in its recipient's inbox.
func (s *MemoryStore) Save(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byUser[n.UserID] {
		if existing.ID == n.ID {
			return model.NewConflictError(fmt.Sprintf("notification %q already exists", n.ID))
		}
	}
	s.byUser[n.UserID] = append(s.byUser[n.UserID], n)
	return nil
}

// List returns one page of the user's inbox, newest first.
func (s *MemoryStore) List(_ context.Context, userID string, page, limit int) (Inbox, error) {
	page, limit = normalizePage(page, limit)

	s.mu.RLock()
	all := append([]model.Notification(nil), s.byUser[userID]...)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	inbox := Inbox{Notifications: []model.Notification{}, Total: len(all)}
	for _, n := range all {
		if !n.Read {
			inbox.UnreadCount++
		}
	}
	start := (page - 1) * limit
	if start < len(all) {
		end := start + limit
		if end > len(all) {
			end = len(all)
		}
		inbox.Notifications = all[start:end]
	}
	return inbox, nil
}

// MarkRead marks one notification read. Marking a read notification again
// leaves its ReadAt unchanged.
func (s *MemoryStore) MarkRead(_ context.Context, userID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.byUser[userID] {
		n := &s.byUser[userID][i]
		if n.ID != id {
			continue
		}
		if !n.Read {
			n.Read = true
			n.ReadAt = &at
		}
		return nil
	}
	return notFound(id)
}

// MarkAllRead marks every unread notification read.
func (s *MemoryStore) MarkAllRead(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for i := range s.byUser[userID] {
		n := &s.byUser[userID][i]
		if n.Read {
			continue
		}
		readAt := at
		n.Read = true
		n.ReadAt = &readAt
		changed++
	}
	return changed, nil
}

// Delete removes one notification.
func (s *MemoryStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inbox := s.byUser[userID]
	for i, n := range inbox {
		if n.ID == id {
			s.byUser[userID] = append(inbox[:i], inbox[i+1:]...)
			return nil
		}
	}
	return notFound(id)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
