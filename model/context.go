package model

import (
	"context"
	"errors"
)

// RequestContext carries tenancy and tracing information for the
// lifetime of a request. Identity verification is owned by the platform
// gateway; the engine only consumes the propagated headers. Immutable
// after construction and safe for concurrent reads.
type RequestContext struct {
	TenantID      string
	SubjectID     string
	CorrelationID string
	TraceID       string
}

// Validate checks that the mandatory tenant scope is present.
func (rc *RequestContext) Validate() error {
	if rc.TenantID == "" {
		return errors.New("TenantID is required")
	}
	return nil
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or
// returns nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
