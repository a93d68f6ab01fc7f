package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record handles, tokens, codes, secrets or code verifiers in
// traces or metrics. Only record metadata such as grant types, methods and results.
const (
	// OAuth flow attributes
	AttrClientID         = "oauth.client_id"
	AttrSubjectHash      = "oauth.subject_hash"
	AttrScope            = "oauth.scope"
	AttrPKCEMethod       = "oauth.pkce.method"
	AttrGrantType        = "oauth.grant_type"
	AttrResponseType     = "oauth.response_type"
	AttrResponseMode     = "oauth.response_mode"
	AttrClientType       = "oauth.client_type"
	AttrAuthMethod       = "oauth.auth_method"
	AttrInteraction      = "oauth.interaction"
	AttrTokenRotated     = "oauth.token.rotated" //nolint:gosec // metadata, not a credential
	AttrError            = "oauth.error"
	AttrErrorDescription = "oauth.error_description"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, grantOrResponseType, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if grantOrResponseType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantOrResponseType))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddProtocolErrorAttributes records an OAuth error code on a span without failing it.
// Protocol errors are expected outcomes, not span failures.
func AddProtocolErrorAttributes(span trace.Span, code, description string) {
	SetSpanAttributes(span, attribute.String(AttrError, code))
	if description != "" {
		SetSpanAttributes(span, attribute.String(AttrErrorDescription, description))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// Check ShouldLogClientIPs before calling this function.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}

// StorageOperation tracks one storage call: a span plus the metrics recorded when it ends.
// A nil *Instrumentation yields a no-op operation.
type StorageOperation struct {
	inst        *Instrumentation
	span        trace.Span
	storageType string
	operation   string
	start       time.Time
}

// StartStorageOperation starts a span named storage.<operation>
func (i *Instrumentation) StartStorageOperation(ctx context.Context, storageType, operation string) (context.Context, *StorageOperation) {
	op := &StorageOperation{
		inst:        i,
		storageType: storageType,
		operation:   operation,
		start:       time.Now(),
	}
	if i == nil {
		op.span = trace.SpanFromContext(ctx)
		return ctx, op
	}

	ctx, op.span = i.Tracer("storage").Start(ctx, "storage."+operation)
	AddStorageAttributes(op.span, operation, storageType)
	return ctx, op
}

// End records the operation result and ends the span. Not-found results are recorded as
// "miss" and do not fail the span.
func (o *StorageOperation) End(ctx context.Context, err error, notFound bool) {
	if o.inst == nil {
		return
	}
	defer o.span.End()

	result := "success"
	switch {
	case notFound:
		result = "miss"
		SetSpanSuccess(o.span)
	case err != nil:
		result = "error"
		RecordError(o.span, err)
	default:
		SetSpanSuccess(o.span)
	}
	SetSpanAttributes(o.span, attribute.String(AttrStorageResult, result))

	durationMs := float64(time.Since(o.start).Microseconds()) / 1000
	o.inst.Metrics().RecordStorageOperation(ctx, o.storageType, o.operation, result, durationMs)
}
