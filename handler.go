package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
)

// Endpoint names used in metrics
const (
	endpointAuthorize         = "authorize"
	endpointAuthorizeCallback = "authorize_callback"
	endpointToken             = "token"
	endpointDiscovery         = "discovery"
	endpointJWKS              = "jwks"
)

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests and delegates to server.Server for business logic.
type Handler struct {
	server      *server.Server
	config      *Config
	logger      *slog.Logger
	tracer      trace.Tracer // OpenTelemetry tracer for HTTP layer
	rateLimiter *security.RateLimiter
	ips         security.ClientIPResolver
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}
	config = applyDefaults(config, logger)

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		ips: security.ClientIPResolver{
			TrustProxy:        config.RateLimit.TrustProxy,
			TrustedProxyCount: config.RateLimit.TrustedProxyCount,
		},
	}

	if !config.RateLimit.Disabled {
		h.rateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			RequestsPerSecond: config.RateLimit.Rate,
			Burst:             config.RateLimit.Burst,
			MaxEntries:        config.RateLimit.MaxEntries,
		}, logger)
	}

	// Initialize tracer if instrumentation is enabled
	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// RegisterRoutes registers the protocol endpoints on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+response.PathAuthorize, h.ServeAuthorize)
	mux.HandleFunc("POST "+response.PathAuthorize, h.ServeAuthorize)
	mux.HandleFunc("GET "+response.PathAuthorizeCallback, h.ServeAuthorizeCallback)
	mux.HandleFunc("POST "+response.PathToken, h.ServeToken)
	mux.HandleFunc("GET "+response.PathDiscovery, h.ServeDiscovery)
	mux.HandleFunc("GET "+response.PathJWKS, h.ServeJWKS)
	h.logger.Info("Registered authorization server endpoints", "issuer", h.server.Issuer())
}

// RateLimiter returns the token endpoint rate limiter, nil when disabled
func (h *Handler) RateLimiter() *security.RateLimiter {
	return h.rateLimiter
}

func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.tracer == nil {
		return r, nil
	}
	ctx, span := h.tracer.Start(r.Context(), name)
	span.SetAttributes(attribute.String("http.request_id", security.RequestIDFromContext(ctx)))
	return r.WithContext(ctx), span
}

// ServeAuthorize handles the authorize endpoint. Parameters come from the query of a GET
// or the form body of a POST.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.authorize")
	if span != nil {
		defer span.End()
	}

	var params url.Values
	switch r.Method {
	case http.MethodGet:
		params = r.URL.Query()
	case http.MethodPost:
		if !h.parseForm(w, r) {
			h.recordHTTPMetrics(endpointAuthorize, r.Method, http.StatusBadRequest, startTime)
			return
		}
		params = r.PostForm
	default:
		h.recordHTTPMetrics(endpointAuthorize, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ticket := h.server.Authenticate(r)
	result, err := h.server.Authorize(r.Context(), params, ticket, h.ips.ClientIP(r))
	if err != nil {
		h.logger.Error("Authorize request failed", "error", err)
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics(endpointAuthorize, r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("the server failed to process the request"))
		return
	}
	status := h.writeAuthorizeResult(w, r, result)
	h.recordHTTPMetrics(endpointAuthorize, r.Method, status, startTime)
}

// ServeAuthorizeCallback resumes a persisted authorize request after the login or
// consent UI
func (h *Handler) ServeAuthorizeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.authorize_callback")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(endpointAuthorizeCallback, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get(server.ParamAuthorizeRequestID)
	ticket := h.server.Authenticate(r)
	result, err := h.server.AuthorizeCallback(r.Context(), requestID, ticket, h.ips.ClientIP(r))
	if err != nil {
		h.logger.Error("Authorize callback failed", "error", err)
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics(endpointAuthorizeCallback, r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("the server failed to process the request"))
		return
	}
	status := h.writeAuthorizeResult(w, r, result)
	h.recordHTTPMetrics(endpointAuthorizeCallback, r.Method, status, startTime)
}

// writeAuthorizeResult sends the browser to the UI or answers the client. It returns the
// HTTP status written.
func (h *Handler) writeAuthorizeResult(w http.ResponseWriter, r *http.Request, result *server.AuthorizeResult) int {
	security.SetSecurityHeaders(w, h.server.Issuer())
	security.SetNoStore(w)

	if result.Redirect != "" {
		http.Redirect(w, r, result.Redirect, http.StatusFound)
		return http.StatusFound
	}

	if err := result.Response.Write(w, r); err != nil {
		h.logger.Error("Failed to write authorize response", "error", err)
		h.writeError(w, ErrServerError("the server failed to process the request"))
		return http.StatusInternalServerError
	}
	if result.Response.ResponseMode == protocol.ResponseModeFormPost {
		return http.StatusOK
	}
	return http.StatusFound
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.token")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(endpointToken, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.ips.ClientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics(endpointToken, r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if !h.parseForm(w, r) {
		h.recordHTTPMetrics(endpointToken, r.Method, http.StatusBadRequest, startTime)
		return
	}

	resp, err := h.server.Token(r.Context(), r.Header, r.PostForm, clientIP)
	if err != nil {
		oerr := tokenError(err)
		if oerr.Status == http.StatusInternalServerError {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanError(span, oerr.Code)
		}
		h.recordHTTPMetrics(endpointToken, r.Method, oerr.Status, startTime)
		h.writeError(w, oerr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp)
	h.recordHTTPMetrics(endpointToken, r.Method, http.StatusOK, startTime)
}

// parseForm reads a form-encoded body. It writes an invalid_request error and returns
// false when the body is not a form or too large.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		h.writeError(w, NewOAuthError(protocol.ErrorInvalidRequest, "content type must be application/x-www-form-urlencoded", http.StatusBadRequest))
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.Debug("Failed to parse form", "error", err)
		h.writeError(w, NewOAuthError(protocol.ErrorInvalidRequest, "failed to parse request body", http.StatusBadRequest))
		return false
	}
	return true
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor().LogRateLimitExceeded(clientIP, r.URL.Path)

	w.Header().Set("Retry-After", strconv.Itoa(int(DefaultRetryAfter.Seconds())))
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "rate limit exceeded, please try again later", http.StatusTooManyRequests))
	return true
}

// ServeDiscovery serves the OpenID Provider metadata
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	h.serveDocument(w, r, endpointDiscovery, h.server.Discovery)
}

// ServeJWKS serves the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.serveDocument(w, r, endpointJWKS, h.server.JWKS)
}

func (h *Handler) serveDocument(w http.ResponseWriter, r *http.Request, endpoint string, generate func(ctx context.Context) ([]byte, error)) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http."+endpoint)
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.recordHTTPMetrics(endpoint, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := generate(r.Context())
	if err != nil {
		h.logger.Error("Failed to generate document", "document", endpoint, "error", err)
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics(endpoint, r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("the server failed to generate the document"))
		return
	}

	security.SetSecurityHeaders(w, h.server.Issuer())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(endpoint, r.Method, http.StatusOK, startTime)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *response.TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Issuer())
	security.SetNoStore(w)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to write token response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, oerr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Issuer())
	security.SetNoStore(w)

	if oerr.Basic {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.server.Issuer()+`"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
