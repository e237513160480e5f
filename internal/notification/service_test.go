package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/claimflow/model"
)

type failingDirectory struct{}

func (failingDirectory) ListAdmins(context.Context) ([]string, error) {
	return nil, errors.New("directory unavailable")
}

func TestService_NotifyFillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	svc.now = func() time.Time { return base }

	require.NoError(t, svc.Notify(context.Background(), model.Notification{
		UserID: "client-1",
		Type:   model.NotifyClaimSubmitted,
		Title:  "Claim Submitted Successfully",
	}))

	inbox, err := svc.Inbox(context.Background(), "client-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, inbox.Notifications, 1)
	n := inbox.Notifications[0]
	assert.NotEmpty(t, n.ID)
	assert.True(t, n.CreatedAt.Equal(base))
	assert.NotNil(t, n.Data)
}

func TestService_ListAdmins(t *testing.T) {
	svc := NewService(NewMemoryStore(), StaticDirectory{"admin-1", "admin-2"}, nil)
	admins, err := svc.ListAdmins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"admin-1", "admin-2"}, admins)

	admins[0] = "mutated"
	again, _ := svc.ListAdmins(context.Background())
	assert.Equal(t, "admin-1", again[0], "callers get a copy")
}

func TestService_ListAdminsDirectoryErrorIsEmpty(t *testing.T) {
	svc := NewService(NewMemoryStore(), failingDirectory{}, nil)
	admins, err := svc.ListAdmins(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, admins)
	assert.Empty(t, admins)
}

func TestService_InboxOperations(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	svc.now = func() time.Time { return base.Add(time.Hour) }
	ctx := context.Background()
	require.NoError(t, svc.Notify(ctx, note("n1", "client-1", 0)))
	require.NoError(t, svc.Notify(ctx, note("n2", "client-1", time.Minute)))

	require.NoError(t, svc.MarkRead(ctx, "client-1", "n1"))
	changed, err := svc.MarkAllRead(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	require.NoError(t, svc.Delete(ctx, "client-1", "n2"))
	inbox, err := svc.Inbox(ctx, "client-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, inbox.Notifications, 1)
	assert.True(t, inbox.Notifications[0].ReadAt.Equal(base.Add(time.Hour)))
	assert.NoError(t, svc.HealthCheck(ctx))
}
