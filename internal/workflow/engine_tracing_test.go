package workflow

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/claimflow/model"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func applySpan(t *testing.T, rec *tracetest.SpanRecorder) (sdktrace.ReadOnlySpan, map[string]string) {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() != "workflow.Apply" {
			continue
		}
		attrs := make(map[string]string, len(s.Attributes()))
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		return s, attrs
	}
	t.Fatal("no workflow.Apply span recorded")
	return nil, nil
}

// staleStore serves a fixed snapshot from Get while writes go to the real
// store, so the engine acts on a status that has since moved on.
type staleStore struct {
	*MemoryClaimStore
	snapshot model.Claim
}

func (s *staleStore) Get(context.Context, string) (model.Claim, error) {
	return s.snapshot.Clone(), nil
}

func TestEngine_Apply_spanRecordsTransition(t *testing.T) {
	rec := recordSpans(t)
	engine, _, _ := newTestEngine(t, testClaim("claim-1", model.StatusSubmitted, completeDocs()...))

	if _, err := engine.Apply(context.Background(), adminRctx(), "claim-1", model.ActionApprove, model.ActionPayload{}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	span, attrs := applySpan(t, rec)
	want := map[string]string{
		"claim.id":          "claim-1",
		"claim.action":      "approve",
		"claim.actor_role":  "admin",
		"claim.from_status": "submitted",
		"claim.to_status":   "processing",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
	if span.Status().Code == codes.Error {
		t.Errorf("status = %v, want unset", span.Status())
	}
}

func TestEngine_Apply_spanMarksConflict(t *testing.T) {
	rec := recordSpans(t)
	stale := testClaim("claim-1", model.StatusSubmitted, completeDocs()...)
	store := NewMemoryClaimStore()
	moved := stale.Clone()
	moved.Status = model.StatusProcessing
	if err := store.Create(context.Background(), moved); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := NewEngine(&staleStore{MemoryClaimStore: store, snapshot: stale}, NewEvaluator(), &recordingEmitter{}, nil)

	_, err := engine.Apply(context.Background(), adminRctx(), "claim-1", model.ActionApprove, model.ActionPayload{})
	assertCode(t, err, model.ErrConflict)

	span, attrs := applySpan(t, rec)
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status())
	}
	if attrs["claim.error_code"] != model.ErrConflict {
		t.Errorf("claim.error_code = %q, want %s", attrs["claim.error_code"], model.ErrConflict)
	}
	if _, ok := attrs["claim.to_status"]; ok {
		t.Error("failed transition should not record a target status")
	}
}
