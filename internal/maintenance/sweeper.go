// Package maintenance runs background housekeeping over document blobs.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/filestore"
	"github.com/pitabwire/claimflow/internal/observability"
)

// blobPrefix is where every claim document blob lives.
const blobPrefix = "claims/"

// ReferenceSource reports the storage keys still referenced by a claim.
type ReferenceSource interface {
	ReferencedKeys(ctx context.Context) (map[string]bool, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Removed int
	Failed  int
	// Recent counts unreferenced blobs left alone because they are younger
	// than the grace period.
	Recent int
	// Dangling counts referenced keys with no blob behind them.
	Dangling int
}

// Sweeper removes blobs no claim references any more: the leftovers of
// replaced documents whose release failed, of deleted claims, and of
// uploads whose claim write never committed.
type Sweeper struct {
	refs    ReferenceSource
	blobs   filestore.BlobStore
	grace   time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSweeper creates a Sweeper. Blobs younger than grace are never removed
// so an upload racing its claim write is not lost.
func NewSweeper(refs ReferenceSource, blobs filestore.BlobStore, grace time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		refs:    refs,
		blobs:   blobs,
		grace:   grace,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx, span := observability.StartSpan(ctx, "maintenance.Sweep")
	var rep Report
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	// Blobs are listed before references are read, so a document committed
	// in between is still seen as referenced.
	objects, err := s.blobs.List(ctx, blobPrefix)
	if err != nil {
		s.metrics.RecordOrphanSweep("error", 0)
		return rep, fmt.Errorf("list blobs: %w", err)
	}
	refs, err := s.refs.ReferencedKeys(ctx)
	if err != nil {
		s.metrics.RecordOrphanSweep("error", 0)
		return rep, fmt.Errorf("load referenced keys: %w", err)
	}

	cutoff := s.now().Add(-s.grace)
	present := make(map[string]bool, len(objects))
	for _, obj := range objects {
		rep.Scanned++
		present[obj.Key] = true
		if refs[obj.Key] {
			continue
		}
		if obj.LastModified.After(cutoff) {
			rep.Recent++
			continue
		}
		if delErr := s.blobs.Delete(ctx, obj.Key); delErr != nil {
			rep.Failed++
			s.logger.Warn("orphaned blob not removed", zap.String("key", obj.Key), zap.Error(delErr))
			continue
		}
		rep.Removed++
		s.logger.Debug("orphaned blob removed", zap.String("key", obj.Key))
	}

	for key := range refs {
		if !present[key] {
			rep.Dangling++
			s.logger.Warn("document references a missing blob", zap.String("key", key))
		}
	}

	outcome := "success"
	if rep.Failed > 0 {
		outcome = "partial"
	}
	s.metrics.RecordOrphanSweep(outcome, rep.Removed)
	s.logger.Info("orphan sweep finished",
		zap.Int("scanned", rep.Scanned),
		zap.Int("removed", rep.Removed),
		zap.Int("failed", rep.Failed),
		zap.Int("recent", rep.Recent),
		zap.Int("dangling", rep.Dangling),
	)
	return rep, nil
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// disables the loop.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("orphan sweep failed", zap.Error(err))
			}
		}
	}
}
