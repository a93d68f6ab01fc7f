package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol Metrics
	AuthorizeRequests metric.Int64Counter
	ConsentDecisions  metric.Int64Counter
	CodeIssued        metric.Int64Counter
	CodeExchanged     metric.Int64Counter
	TokensIssued      metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	TokenErrors       metric.Int64Counter
	DocumentCache     metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal         metric.Int64Counter
	StorageOperationDuration      metric.Float64Histogram
	StorageAuthorizeRequestsCount metric.Int64ObservableGauge
	StorageCodesCount             metric.Int64ObservableGauge
	StorageAccessTokensCount      metric.Int64ObservableGauge
	StorageRefreshTokensCount     metric.Int64ObservableGauge
	StorageConsentsCount          metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type gaugeSpec struct {
	target      *metric.Int64ObservableGauge
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, inst.httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizeRequests, inst.serverMeter, "oauth.authorize.requests", "Authorize endpoint outcomes", "{request}"},
		{&m.ConsentDecisions, inst.serverMeter, "oauth.consent.decisions", "Consent decisions recorded", "{decision}"},
		{&m.CodeIssued, inst.serverMeter, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, inst.serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokensIssued, inst.serverMeter, "oauth.token.issued", "Number of token responses issued", "{response}"},
		{&m.TokenRefreshed, inst.serverMeter, "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"},
		{&m.TokenErrors, inst.serverMeter, "oauth.token.errors", "Token endpoint protocol errors", "{error}"},
		{&m.DocumentCache, inst.serverMeter, "oauth.document_cache.lookups", "Discovery and JWKS cache lookups", "{lookup}"},
		{&m.RateLimitExceeded, inst.securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, inst.securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, inst.securityMeter, "oauth.code.reuse_detected", "Number of authorization code reuse attempts detected", "{attempt}"},
		{&m.TokenReuseDetected, inst.securityMeter, "oauth.token.reuse_detected", "Number of refresh token reuse attempts detected", "{attempt}"},
		{&m.AuditEventsTotal, inst.securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.StorageOperationTotal, inst.storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}
	for _, c := range counters {
		*c.target, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageAuthorizeRequestsCount, "storage.authorize_requests.count", "Number of pending authorize requests"},
		{&m.StorageCodesCount, "storage.codes.count", "Number of live authorization codes"},
		{&m.StorageAccessTokensCount, "storage.access_tokens.count", "Number of stored reference access tokens"},
		{&m.StorageRefreshTokensCount, "storage.refresh_tokens.count", "Number of live refresh tokens"},
		{&m.StorageConsentsCount, "storage.consents.count", "Number of remembered consents"},
	}
	for _, g := range gauges {
		*g.target, err = inst.storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.description), metric.WithUnit("{item}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizeOutcome records the outcome of one authorize endpoint hit
// ("login", "consent", "redirect", "error_page")
func (m *Metrics) RecordAuthorizeOutcome(ctx context.Context, clientID, outcome string) {
	m.AuthorizeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordConsentDecision records a consent grant or denial
func (m *Metrics) RecordConsentDecision(ctx context.Context, granted, remembered bool) {
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("granted", granted),
		attribute.Bool("remembered", remembered),
	))
}

// RecordCodeIssued records an authorization code issuance
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, responseType string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("response_type", responseType),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokensIssued records a successful token response
func (m *Metrics) RecordTokensIssued(ctx context.Context, clientID, grantType string, withRefresh, withIDToken bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
		attribute.Bool("refresh_token", withRefresh),
		attribute.Bool("id_token", withIDToken),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenError records a token endpoint protocol error
func (m *Metrics) RecordTokenError(ctx context.Context, grantType, code string) {
	m.TokenErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", code),
	))
}

// RecordDocumentCacheLookup records a discovery/JWKS cache lookup
func (m *Metrics) RecordDocumentCacheLookup(ctx context.Context, document string, hit bool) {
	m.DocumentCache.Add(ctx, 1, metric.WithAttributes(
		attribute.String("document", document),
		attribute.Bool("hit", hit),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, storageType, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("storage", storageType),
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("storage", storageType),
		attribute.String("operation", operation),
	))
}
