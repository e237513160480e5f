// Package filestore holds the bytes of uploaded claim documents.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/claimflow/model"
)

// Object describes a stored blob.
type Object struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobStore stores document bytes under opaque keys.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get opens a blob. The caller closes the reader. A missing key yields a
	// NOT_FOUND envelope.
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every blob whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	HealthCheck(ctx context.Context) error
}

// ClaimPrefix is the key prefix for every blob of a claim.
func ClaimPrefix(claimID string) string {
	return "claims/" + claimID + "/"
}

// NewKey returns a fresh key for a file uploaded to a claim. The original
// file name is kept as a readable suffix.
func NewKey(claimID, fileName string) string {
	name := sanitize(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return ClaimPrefix(claimID) + uuid.NewString() + "-" + name
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func blobNotFound(key string) error {
	return model.NewNotFoundError(fmt.Sprintf("blob %q not found", key))
}

type memBlob struct {
	data []byte
	obj  Object
}

// MemoryStore is an in-memory BlobStore.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memBlob), now: time.Now}
}

// Put stores the contents of r under key, replacing any previous blob.
func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read blob %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = memBlob{
		data: data,
		obj:  Object{Key: key, Size: int64(len(data)), ContentType: contentType, LastModified: s.now()},
	}
	return nil
}

// Get opens a blob.
func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, Object, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, Object{}, blobNotFound(key)
	}
	return io.NopCloser(bytes.NewReader(b.data)), b.obj, nil
}

// Delete removes a blob.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// List returns the blobs under prefix sorted by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	out := []Object{}
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, b.obj)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored blobs. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
