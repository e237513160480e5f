// Package events delivers committed claim events to the audit trail and the
// notification inbox. Delivery is asynchronous and each downstream call is
// isolated: a failing notification never blocks the audit write or the next
// event.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/model"
)

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// Notifier stores notifications and resolves the admin directory.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
	ListAdmins(ctx context.Context) ([]string, error)
}

// Sink names used in logs and metrics.
const (
	SinkAudit        = "audit"
	SinkNotification = "notification"
)

// ErrGatewayClosed is returned by Dispatch after Close.
var ErrGatewayClosed = errors.New("event gateway is closed")

type queued struct {
	ctx context.Context
	evt model.ClaimEvent
}

// Gateway queues claim events and fans each one out into independent audit
// and notification calls.
type Gateway struct {
	audit    AuditRecorder
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	cfg      config.EventsConfig

	pool   *ants.Pool
	queue  chan queued
	auditB *Breaker
	notifB *Breaker

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

// NewGateway creates a gateway and starts its workers. Either collaborator
// may be nil, in which case its calls are skipped.
func NewGateway(
	cfg config.EventsConfig,
	audit AuditRecorder,
	notifier Notifier,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 16
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("events: create dispatch pool: %w", err)
	}

	g := &Gateway{
		audit:    audit,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		pool:     pool,
		queue:    make(chan queued, cfg.QueueSize),
	}
	g.auditB = NewBreaker(cfg.CircuitBreaker, g.breakerHook(SinkAudit))
	g.notifB = NewBreaker(cfg.CircuitBreaker, g.breakerHook(SinkNotification))

	for i := 0; i < cfg.Workers; i++ {
		g.workers.Add(1)
		go g.work()
	}
	return g, nil
}

// Emit queues evt for delivery without blocking. When the queue is full the
// event is dropped and logged at error level.
func (g *Gateway) Emit(ctx context.Context, evt model.ClaimEvent) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		g.drop(ctx, evt, "gateway closed")
		return
	}
	select {
	case g.queue <- queued{ctx: context.WithoutCancel(ctx), evt: evt}:
		g.metrics.SetEventQueueDepth(len(g.queue))
	default:
		g.drop(ctx, evt, "queue full")
	}
}

// Close stops accepting events, drains the queue and waits for in-flight
// calls, or until ctx is done.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.queue)
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.pool.Release()
		return nil
	case <-ctx.Done():
		g.pool.Release()
		return fmt.Errorf("events: close: %w", ctx.Err())
	}
}

func (g *Gateway) work() {
	defer g.workers.Done()
	for q := range g.queue {
		g.metrics.SetEventQueueDepth(len(g.queue))
		if err := g.Dispatch(q.ctx, q.evt); err != nil {
			g.logger.Warn("event dispatch incomplete",
				zap.String("event_id", q.evt.ID),
				zap.Error(err),
			)
		}
	}
}

// Dispatch delivers evt synchronously: one audit call and one call per
// notification, each run on the pool with its own retries and timeout.
// It returns once every call has finished. Call failures are logged and
// counted but do not fail the dispatch.
func (g *Gateway) Dispatch(ctx context.Context, evt model.ClaimEvent) error {
	ctx, span := observability.StartSpan(ctx, "events.Dispatch",
		observability.AttrClaimID.String(evt.ClaimID),
		observability.AttrAction.String(string(evt.Action)),
	)
	defer span.End()

	logger := observability.RequestLogger(ctx, g.logger).With(
		zap.String("event_id", evt.ID),
		zap.String("claim_id", evt.ClaimID),
		zap.String("action", string(evt.Action)),
	)

	var calls []func()
	var wg sync.WaitGroup

	if entry, ok := AuditEntryFor(evt); ok && g.audit != nil {
		auditLogger := logger.With(
			zap.String("audit_action", entry.Action),
			zap.Any("details", observability.Redact(entry.Details)),
		)
		calls = append(calls, func() {
			defer wg.Done()
			g.deliver(ctx, auditLogger, SinkAudit, g.auditB, func(ctx context.Context) error {
				return g.audit.Record(ctx, entry)
			})
		})
	}

	if g.notifier != nil {
		var admins []string
		if needsAdmins(evt) {
			admins = g.listAdmins(ctx, logger)
		}
		for _, n := range NotificationsFor(evt, admins) {
			calls = append(calls, func() {
				defer wg.Done()
				g.deliver(ctx, logger.With(zap.String("recipient", n.UserID)), SinkNotification, g.notifB,
					func(ctx context.Context) error {
						return g.notifier.Notify(ctx, n)
					})
			})
		}
	}

	var skipped int
	wg.Add(len(calls))
	for _, call := range calls {
		if err := g.pool.Submit(call); err != nil {
			if errors.Is(err, ants.ErrPoolClosed) {
				skipped++
				wg.Done()
				continue
			}
			call()
		}
	}
	wg.Wait()

	if skipped > 0 {
		return fmt.Errorf("%d calls not delivered: %w", skipped, ErrGatewayClosed)
	}
	return nil
}

// deliver runs fn with retries behind the sink's breaker.
func (g *Gateway) deliver(
	ctx context.Context,
	logger *zap.Logger,
	sink string,
	breaker *Breaker,
	fn func(context.Context) error,
) {
	start := time.Now()
	attempt := 0

	op := func() error {
		attempt++
		if err := breaker.Allow(); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if model.IsCode(err, model.ErrConflict) {
			// An earlier attempt committed before its call timed out.
			breaker.Success()
			logger.Debug("dispatch already recorded",
				zap.String("sink", sink),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		if err != nil {
			breaker.Failure()
			logger.Debug("dispatch attempt failed",
				zap.String("sink", sink),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		breaker.Success()
		logger.Debug("dispatch attempt succeeded",
			zap.String("sink", sink),
			zap.Int("attempt", attempt),
		)
		return nil
	}

	onRetry := func(err error, wait time.Duration) {
		g.metrics.RecordDispatchRetry(sink)
		logger.Debug("retrying dispatch",
			zap.String("sink", sink),
			zap.Duration("wait", wait),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(g.newBackOff(), ctx), onRetry)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		g.metrics.RecordDispatch(sink, "success", elapsed)
	case errors.Is(err, ErrCircuitOpen):
		g.metrics.RecordDispatch(sink, "circuit_open", elapsed)
		logger.Warn("dispatch skipped, circuit open", zap.String("sink", sink))
	default:
		g.metrics.RecordDispatch(sink, "failure", elapsed)
		logger.Warn("dispatch failed",
			zap.String("sink", sink),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
}

func (g *Gateway) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.cfg.Retry.BackoffInitial > 0 {
		b.InitialInterval = g.cfg.Retry.BackoffInitial
	}
	if g.cfg.Retry.BackoffMultiplier > 0 {
		b.Multiplier = g.cfg.Retry.BackoffMultiplier
	}
	if g.cfg.Retry.BackoffMax > 0 {
		b.MaxInterval = g.cfg.Retry.BackoffMax
	}
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(g.cfg.Retry.MaxAttempts-1))
}

func (g *Gateway) listAdmins(ctx context.Context, logger *zap.Logger) []string {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	admins, err := g.notifier.ListAdmins(callCtx)
	if err != nil {
		logger.Warn("admin directory unavailable, skipping admin notifications", zap.Error(err))
		return nil
	}
	return admins
}

func (g *Gateway) drop(ctx context.Context, evt model.ClaimEvent, reason string) {
	g.metrics.RecordEventDropped()
	observability.RequestLogger(ctx, g.logger).Error("claim event dropped",
		zap.String("reason", reason),
		zap.String("event_id", evt.ID),
		zap.String("claim_id", evt.ClaimID),
		zap.String("action", string(evt.Action)),
	)
}

func (g *Gateway) breakerHook(sink string) func(BreakerState) {
	return func(s BreakerState) {
		g.metrics.SetCircuitBreakerState(sink, float64(s))
		g.logger.Info("circuit breaker state changed",
			zap.String("sink", sink),
			zap.String("state", s.String()),
		)
	}
}
