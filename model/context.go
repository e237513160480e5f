package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the identity and tracing information of the actor
// for the lifetime of an authenticated request. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	Role          Role
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.Role != RoleAdmin && rc.Role != RoleClient {
		errs = append(errs, fmt.Errorf("Role must be %q or %q, got %q", RoleAdmin, RoleClient, rc.Role))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given raw role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor acts with admin rights.
func (rc *RequestContext) IsAdmin() bool {
	return rc.Role == RoleAdmin
}

// Owns reports whether the actor is the owner of the claim.
func (rc *RequestContext) Owns(c Claim) bool {
	return rc.SubjectID != "" && rc.SubjectID == c.OwnerID
}

// Claim returns the value of the given token claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. Only call it in handlers that run behind the
// authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
