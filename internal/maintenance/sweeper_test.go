package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/claimflow/internal/filestore"
	"github.com/pitabwire/claimflow/internal/observability"
)

type staticRefs struct {
	keys map[string]bool
	err  error
}

func (r staticRefs) ReferencedKeys(context.Context) (map[string]bool, error) {
	return r.keys, r.err
}

// flakyBlobs fails deletes for one key.
type flakyBlobs struct {
	*filestore.MemoryStore
	failKey string
}

func (f flakyBlobs) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("bucket unavailable")
	}
	return f.MemoryStore.Delete(ctx, key)
}

func putBlob(t *testing.T, s filestore.BlobStore, key string) {
	t.Helper()
	if err := s.Put(context.Background(), key, strings.NewReader("x"), 1, "application/pdf"); err != nil {
		t.Fatalf("Put(%s) error: %v", key, err)
	}
}

func TestSweep_removesOnlyOldUnreferencedBlobs(t *testing.T) {
	blobs := filestore.NewMemoryStore()
	putBlob(t, blobs, "claims/c1/kept.pdf")
	putBlob(t, blobs, "claims/c1/orphan.pdf")
	putBlob(t, blobs, "claims/c2/orphan.pdf")
	putBlob(t, blobs, "exports/not-ours.csv")

	refs := staticRefs{keys: map[string]bool{
		"claims/c1/kept.pdf":    true,
		"claims/c3/missing.pdf": true,
	}}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	sweeper := NewSweeper(refs, blobs, time.Hour, nil, metrics)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	rep, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	want := Report{Scanned: 3, Removed: 2, Dangling: 1}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}

	left, _ := blobs.List(context.Background(), "")
	if len(left) != 2 {
		t.Errorf("blobs left = %+v", left)
	}
	if got := testutil.ToFloat64(metrics.OrphanBlobsRemoved); got != 2 {
		t.Errorf("removed metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.OrphanSweepsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("sweeps metric = %v, want 1", got)
	}
}

func TestSweep_gracePeriodProtectsRecentUploads(t *testing.T) {
	blobs := filestore.NewMemoryStore()
	putBlob(t, blobs, "claims/c1/just-uploaded.pdf")

	sweeper := NewSweeper(staticRefs{keys: map[string]bool{}}, blobs, time.Hour, nil, nil)

	rep, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if rep.Recent != 1 || rep.Removed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if blobs.Len() != 1 {
		t.Error("recent blob was removed")
	}
}

func TestSweep_deleteFailureIsPartial(t *testing.T) {
	mem := filestore.NewMemoryStore()
	blobs := flakyBlobs{MemoryStore: mem, failKey: "claims/c1/stuck.pdf"}
	putBlob(t, blobs, "claims/c1/stuck.pdf")
	putBlob(t, blobs, "claims/c1/gone.pdf")

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	sweeper := NewSweeper(staticRefs{keys: map[string]bool{}}, blobs, 0, nil, metrics)
	sweeper.now = func() time.Time { return time.Now().Add(time.Minute) }

	rep, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if rep.Removed != 1 || rep.Failed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if got := testutil.ToFloat64(metrics.OrphanSweepsTotal.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial sweeps = %v, want 1", got)
	}
}

func TestSweep_referenceErrorRemovesNothing(t *testing.T) {
	blobs := filestore.NewMemoryStore()
	putBlob(t, blobs, "claims/c1/a.pdf")

	sweeper := NewSweeper(staticRefs{err: errors.New("db down")}, blobs, 0, nil, nil)
	if _, err := sweeper.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if blobs.Len() != 1 {
		t.Error("blob removed although references were unknown")
	}
}

func TestRun_stopsOnCancel(t *testing.T) {
	sweeper := NewSweeper(staticRefs{keys: map[string]bool{}}, filestore.NewMemoryStore(), 0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_disabledInterval(t *testing.T) {
	sweeper := NewSweeper(staticRefs{}, filestore.NewMemoryStore(), 0, nil, nil)
	sweeper.Run(context.Background(), 0)
}
