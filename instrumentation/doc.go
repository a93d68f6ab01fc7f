// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// It offers metric instruments for every protocol endpoint, tracers per layer and span
// attribute keys that never carry credential material.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oidc-server",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Protocol:
//   - oauth.authorize.requests{client_id, outcome}
//   - oauth.consent.decisions{granted, remembered}
//   - oauth.code.issued{client_id, response_type}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.issued{client_id, grant_type, refresh_token, id_token}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.errors{grant_type, error}
//   - oauth.document_cache.lookups{document, hit}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{storage, operation, result}
//   - storage.operation.duration{storage, operation}
//   - storage.authorize_requests.count, storage.codes.count, storage.access_tokens.count,
//     storage.refresh_tokens.count, storage.consents.count
//
// # Tracing
//
// Spans are only exported when Config.SpanExporter is set. Protocol errors are recorded as
// attributes (oauth.error) and do not mark spans as failed; infrastructure errors do.
package instrumentation
