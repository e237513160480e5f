package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/model"
)

// AdminDirectory lists the users who receive admin notifications.
type AdminDirectory interface {
	ListAdmins(ctx context.Context) ([]string, error)
}

// StaticDirectory is an AdminDirectory backed by a fixed list, usually
// notifications.admin_ids from the configuration.
type StaticDirectory []string

// ListAdmins returns a copy of the configured ids.
func (d StaticDirectory) ListAdmins(context.Context) ([]string, error) {
	return append([]string{}, d...), nil
}

// Service delivers notifications into inboxes and serves the inbox API.
type Service struct {
	store     Store
	directory AdminDirectory
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a Service. A nil directory means no admins.
func NewService(store Store, directory AdminDirectory, logger *zap.Logger) *Service {
	if directory == nil {
		directory = StaticDirectory(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		directory: directory,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Notify stores n, filling in its id and creation time when missing.
func (s *Service) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	return s.store.Save(ctx, n)
}

// ListAdmins returns the admin directory. A directory failure is logged and
// yields an empty list.
func (s *Service) ListAdmins(ctx context.Context) ([]string, error) {
	admins, err := s.directory.ListAdmins(ctx)
	if err != nil {
		s.logger.Warn("admin directory lookup failed", zap.Error(err))
		return []string{}, nil
	}
	return admins, nil
}

// Inbox returns one page of the user's notifications.
func (s *Service) Inbox(ctx context.Context, userID string, page, limit int) (Inbox, error) {
	return s.store.List(ctx, userID, page, limit)
}

// MarkRead marks one of the user's notifications read.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.store.MarkRead(ctx, userID, id, s.now())
}

// MarkAllRead marks all of the user's notifications read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllRead(ctx, userID, s.now())
}

// Delete removes one of the user's notifications.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.store.Delete(ctx, userID, id)
}

// HealthCheck checks the underlying store.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
