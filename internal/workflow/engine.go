package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/model"
)

// Claim listing page sizes.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Emitter receives claim events after their mutation has been committed.
// Emit must not block the caller.
type Emitter interface {
	Emit(ctx context.Context, evt model.ClaimEvent)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, model.ClaimEvent) {}

// BlobDeleter releases the stored bytes of a document.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithTable replaces the default transition table.
func WithTable(t *Table) Option {
	return func(e *Engine) { e.table = t }
}

// WithMetrics records transition and document outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBlobDeleter lets the engine release blobs of superseded documents and
// deleted claims.
func WithBlobDeleter(b BlobDeleter) Option {
	return func(e *Engine) { e.blobs = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies transitions and document operations to claims. All writes
// go through the store's guarded mutations; events are emitted only after a
// write commits.
type Engine struct {
	store   ClaimStore
	eval    *Evaluator
	table   *Table
	emitter Emitter
	blobs   BlobDeleter
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(store ClaimStore, eval *Evaluator, emitter Emitter, logger *zap.Logger, opts ...Option) *Engine {
	if eval == nil {
		eval = NewEvaluator()
	}
	if emitter == nil {
		emitter = noopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:   store,
		eval:    eval,
		table:   DefaultTable(),
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Table returns the transition table in use.
func (e *Engine) Table() *Table { return e.table }

// Evaluator returns the completeness evaluator in use.
func (e *Engine) Evaluator() *Evaluator { return e.eval }

// Apply performs a status-changing action on a claim.
func (e *Engine) Apply(
	ctx context.Context,
	rctx *model.RequestContext,
	claimID string,
	action model.Action,
	payload model.ActionPayload,
) (model.TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Apply",
		append(observability.ActorAttrs(rctx),
			observability.AttrClaimID.String(claimID),
			observability.AttrAction.String(string(action)),
		)...,
	)
	start := time.Now()

	res, err := e.apply(ctx, rctx, claimID, action, payload)

	e.metrics.RecordTransition(string(action), outcome(err), time.Since(start))
	if model.IsCode(err, model.ErrConflict) {
		e.metrics.RecordConflict(string(action))
	}
	if err == nil {
		span.SetAttributes(
			observability.AttrFromStatus.String(string(res.FromStatus)),
			observability.AttrToStatus.String(string(res.ToStatus)),
		)
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (e *Engine) apply(
	ctx context.Context,
	rctx *model.RequestContext,
	claimID string,
	action model.Action,
	payload model.ActionPayload,
) (model.TransitionResult, error) {
	if err := requireActor(rctx); err != nil {
		return model.TransitionResult{}, err
	}

	// 1. Load claim.
	claim, err := e.load(ctx, claimID)
	if err != nil {
		return model.TransitionResult{}, err
	}

	// 2. Authorize against the scope the action is bound to.
	scope, ok := e.table.ActorFor(action)
	if !ok {
		return model.TransitionResult{}, model.NewIllegalTransitionError(claim.Status, action)
	}
	if err := authorize(rctx, claim, scope); err != nil {
		return model.TransitionResult{}, err
	}

	// 3. Look up transition.
	tr, ok := e.table.Lookup(claim.Status, action)
	if !ok {
		return model.TransitionResult{}, model.NewIllegalTransitionError(claim.Status, action)
	}

	// 4. Evaluate precondition on the snapshot.
	warnings, err := checkPrecondition(tr, claim, payload, e.eval)
	if err != nil {
		return model.TransitionResult{}, err
	}

	// 5-6. Compute and persist the new state, guarded by the observed status.
	// The precondition is evaluated again against the locked record.
	now := e.now()
	committed, err := e.store.CompareAndSet(ctx, claimID, tr.From, func(c *model.Claim) error {
		if _, err := checkPrecondition(tr, *c, payload, e.eval); err != nil {
			return err
		}
		applyTransition(tr, c, payload, e.eval, rctx.SubjectID, now)
		return assertNoFlagsWhileActive(*c)
	})
	if err != nil {
		return model.TransitionResult{}, e.storeErr(ctx, "apply transition", err)
	}

	// 7. Emit after commit.
	evt := e.newEvent(rctx, committed, action, tr.From, tr.To)
	evt.Payload = payload
	evt.Documents = transitionDocuments(committed, action)
	if len(warnings) > 0 {
		evt.Details = map[string]any{"warnings": warnings}
	}
	e.emitter.Emit(ctx, evt)

	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("claim_id", claimID),
		zap.String("action", string(action)),
	)
	logger.Info("claim transition applied",
		zap.String("from_status", string(tr.From)),
		zap.String("to_status", string(tr.To)),
		zap.Int("version", committed.Version),
	)
	logger.Debug("claim action payload", observability.PayloadField(payload))

	return model.TransitionResult{
		Claim:      committed,
		Action:     action,
		FromStatus: tr.From,
		ToStatus:   tr.To,
		Warnings:   warnings,
	}, nil
}

// CreateClaim opens a new pending claim owned by the calling client.
func (e *Engine) CreateClaim(ctx context.Context, rctx *model.RequestContext, in model.CreateClaimInput) (model.Claim, error) {
	if err := requireActor(rctx); err != nil {
		return model.Claim{}, err
	}
	if rctx.IsAdmin() {
		return model.Claim{}, model.NewForbiddenError("only clients may open claims")
	}

	now := e.now()
	if details := in.Validate(now); len(details) > 0 {
		return model.Claim{}, model.NewValidationError(details)
	}

	claim := model.Claim{
		ID:              uuid.New().String(),
		OwnerID:         rctx.SubjectID,
		Status:          model.StatusPending,
		VehicleMake:     strings.TrimSpace(in.VehicleMake),
		VehicleModel:    strings.TrimSpace(in.VehicleModel),
		VehicleYear:     in.VehicleYear,
		IncidentDate:    in.IncidentDate.UTC(),
		Description:     strings.TrimSpace(in.Description),
		EstimatedDamage: in.EstimatedDamage,
		Documents:       []model.Document{},
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	if err := e.store.Create(ctx, claim); err != nil {
		return model.Claim{}, e.storeErr(ctx, "create claim", err)
	}
	e.metrics.RecordClaimCreated()

	evt := e.newEvent(rctx, claim, model.ActionCreateClaim, claim.Status, claim.Status)
	evt.Details = map[string]any{
		"vehicle":          fmt.Sprintf("%d %s %s", claim.VehicleYear, claim.VehicleMake, claim.VehicleModel),
		"estimated_damage": claim.EstimatedDamage,
	}
	e.emitter.Emit(ctx, evt)

	observability.RequestLogger(ctx, e.logger).Info("claim created", zap.String("claim_id", claim.ID))
	return claim, nil
}

// GetClaim returns a claim visible to the actor.
func (e *Engine) GetClaim(ctx context.Context, rctx *model.RequestContext, claimID string) (model.Claim, error) {
	if err := requireActor(rctx); err != nil {
		return model.Claim{}, err
	}
	claim, err := e.load(ctx, claimID)
	if err != nil {
		return model.Claim{}, err
	}
	if err := authorizeRead(rctx, claim); err != nil {
		return model.Claim{}, err
	}
	return claim, nil
}

// ListClaims returns one page of claims. Clients only ever see their own.
func (e *Engine) ListClaims(ctx context.Context, rctx *model.RequestContext, filters model.ClaimFilters) ([]model.Claim, int, error) {
	if err := requireActor(rctx); err != nil {
		return nil, 0, err
	}
	if !rctx.IsAdmin() {
		filters.OwnerID = rctx.SubjectID
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, 0, model.NewInvalidInputError(
			fmt.Sprintf("unknown status %q", filters.Status),
			model.FieldError{Field: "status", Code: model.FieldUnknown, Message: "Unknown claim status"},
		)
	}
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = DefaultPageSize
	}
	if filters.PageSize > MaxPageSize {
		filters.PageSize = MaxPageSize
	}

	claims, total, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, 0, e.storeErr(ctx, "list claims", err)
	}
	return claims, total, nil
}

// Completeness evaluates a claim visible to the actor.
func (e *Engine) Completeness(ctx context.Context, rctx *model.RequestContext, claimID string) (Completeness, error) {
	claim, err := e.GetClaim(ctx, rctx, claimID)
	if err != nil {
		return Completeness{}, err
	}
	return e.eval.Evaluate(claim), nil
}

// AvailableActions lists the transitions the actor could attempt now. Rules
// that depend only on the claim are applied; rules that depend on the action
// payload (reason, payment) are not.
func (e *Engine) AvailableActions(rctx *model.RequestContext, claim model.Claim) []model.Action {
	actions := []model.Action{}
	if rctx == nil {
		return actions
	}
	comp := e.eval.Evaluate(claim)
	for _, tr := range e.table.From(claim.Status) {
		if authorize(rctx, claim, tr.Actor) != nil {
			continue
		}
		switch tr.Precondition {
		case PreCompleteness:
			if !comp.CanSubmit {
				continue
			}
		case PreNoFlagged:
			if len(comp.FlaggedDocuments) > 0 {
				continue
			}
		}
		actions = append(actions, tr.Action)
	}
	return actions
}

// DeleteClaim removes a claim and, best effort, its document blobs.
func (e *Engine) DeleteClaim(ctx context.Context, rctx *model.RequestContext, claimID string) error {
	if err := requireActor(rctx); err != nil {
		return err
	}
	if !rctx.IsAdmin() {
		return model.NewForbiddenError("only admins may delete claims")
	}
	claim, err := e.load(ctx, claimID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, claimID); err != nil {
		return e.storeErr(ctx, "delete claim", err)
	}

	for _, d := range claim.Documents {
		e.releaseBlob(ctx, d)
	}

	evt := e.newEvent(rctx, claim, model.ActionDeleteClaim, claim.Status, claim.Status)
	evt.Details = map[string]any{"document_count": len(claim.Documents)}
	e.emitter.Emit(ctx, evt)

	observability.RequestLogger(ctx, e.logger).Info("claim deleted", zap.String("claim_id", claimID))
	return nil
}

func (e *Engine) load(ctx context.Context, claimID string) (model.Claim, error) {
	claim, err := e.store.Get(ctx, claimID)
	if err != nil {
		return model.Claim{}, e.storeErr(ctx, "load claim", err)
	}
	return claim, nil
}

// storeErr passes domain envelopes through and hides I/O failures behind
// STORAGE_UNAVAILABLE.
func (e *Engine) storeErr(ctx context.Context, op string, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	observability.RequestLogger(ctx, e.logger).Error("claim store failure",
		zap.String("operation", op),
		zap.Error(err),
	)
	return model.NewStorageUnavailableError()
}

// releaseBlob deletes a document's bytes. Failures are left to the orphan
// sweep.
func (e *Engine) releaseBlob(ctx context.Context, d model.Document) {
	if e.blobs == nil || d.StorageKey == "" {
		return
	}
	if err := e.blobs.Delete(context.WithoutCancel(ctx), d.StorageKey); err != nil {
		observability.RequestLogger(ctx, e.logger).Warn("release document blob failed",
			zap.String("document_id", d.ID),
			zap.String("storage_key", d.StorageKey),
			zap.Error(err),
		)
	}
}

func (e *Engine) newEvent(rctx *model.RequestContext, c model.Claim, action model.Action, from, to model.ClaimStatus) model.ClaimEvent {
	return model.ClaimEvent{
		ID:         uuid.New().String(),
		ClaimID:    c.ID,
		OwnerID:    c.OwnerID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    rctx.SubjectID,
		ActorRole:  rctx.Role,
		Timestamp:  e.now(),
	}
}

// transitionDocuments returns the documents an action touched, for use in
// notification summaries.
func transitionDocuments(c model.Claim, action model.Action) []model.DocumentRef {
	var ids []string
	switch action {
	case model.ActionReject:
		ids = c.RejectedDocuments
	case model.ActionRequestResubmission:
		ids = c.DocumentsToResubmit
	default:
		return nil
	}
	refs := make([]model.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if i, ok := c.DocumentIndex(id); ok {
			refs = append(refs, c.Documents[i].Ref())
		}
	}
	return refs
}

func requireActor(rctx *model.RequestContext) error {
	if rctx == nil || rctx.SubjectID == "" {
		return model.NewUnauthorizedError("an authenticated actor is required")
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return "error"
}
