package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/model"
)

// Log levels used across claimflow:
//
//	error  storage outages, panics, 5xx responses
//	warn   4xx failures, open breakers, dropped or undelivered claim events
//	info   requests, claim transitions, document changes, maintenance sweeps
//	debug  dispatch attempts, idempotent replays, redacted action payloads

type loggerKey struct{}

// NewLogger builds the JSON process logger. Every line carries
// service=claimflow. An unknown level falls back to info.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	return zap.Config{
		Level:            level,
		Encoding:         "json",
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": ServiceName},
	}.Build()
}

// WithLogger stores an already annotated request logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// RequestLogger returns the logger for the request in ctx. A logger stored by
// WithLogger is returned unchanged; otherwise fallback is annotated with the
// caller's identity from the RequestContext, if any.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return fallback
	}
	return fallback.With(actorFields(rctx)...)
}

func actorFields(rctx *model.RequestContext) []zap.Field {
	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("role", string(rctx.Role)),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

const redacted = "[REDACTED]"

// sensitiveKeys are payload and audit detail keys whose values stay out of
// the logs.
var sensitiveKeys = map[string]bool{
	"reference":         true,
	"payment_reference": true,
	"account_number":    true,
	"authorization":     true,
	"token":             true,
}

// Redact returns a copy of fields with sensitive values masked. Nested maps
// are walked; the input is never modified.
func Redact(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sensitiveKeys[k] {
			out[k] = redacted
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = Redact(nested)
		default:
			out[k] = v
		}
	}
	return out
}

// PayloadField renders an action payload for debug logging with the payment
// reference masked.
func PayloadField(p model.ActionPayload) zap.Field {
	m := map[string]any{}
	if r := p.TrimmedReason(); r != "" {
		m["reason"] = r
	}
	if len(p.RejectedDocuments) > 0 {
		m["rejected_documents"] = p.RejectedDocuments
	}
	if len(p.DocumentsToResubmit) > 0 {
		m["documents_to_resubmit"] = p.DocumentsToResubmit
	}
	if p.Amount != 0 {
		m["amount"] = p.Amount
	}
	if p.Method != "" {
		m["method"] = p.Method
	}
	if p.Reference != "" {
		m["reference"] = p.Reference
	}
	return zap.Any("payload", Redact(m))
}
