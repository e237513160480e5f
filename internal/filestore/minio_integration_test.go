//go:build integration

package filestore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/claimflow/model"
)

func startMinio(t *testing.T) *MinioStore {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "claimflow",
				"MINIO_ROOT_PASSWORD": "claimflow-secret",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	store, err := NewMinioStore(ctx, host+":"+port.Port(), "claimflow", "claimflow-secret", false, "claim-documents")
	require.NoError(t, err)
	return store
}

func TestMinioStore_lifecycle(t *testing.T) {
	store := startMinio(t)
	ctx := context.Background()

	require.NoError(t, store.HealthCheck(ctx))

	key := NewKey("claim-1", "estimate.pdf")
	require.NoError(t, store.Put(ctx, key, strings.NewReader("%PDF-1.7"), 8, "application/pdf"))

	rc, obj, err := store.Get(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(body))
	assert.Equal(t, int64(8), obj.Size)

	objs, err := store.List(ctx, ClaimPrefix("claim-1"))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	_, _, err = store.Get(ctx, key)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
