package security

// Event type constants for security audit logging
const (
	// Authorize endpoint

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizeRequestRejected is logged when an authorize request fails validation
	EventAuthorizeRequestRejected = "authorize_request_rejected"

	// EventInvalidRedirect is logged when an authorize request names an unregistered redirect URI
	EventInvalidRedirect = "invalid_redirect"

	// EventConsentGranted is logged when the resource owner grants consent
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when the resource owner denies consent
	EventConsentDenied = "consent_denied"

	// Token endpoint

	// EventTokenIssued is logged for every successful token response
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventAuthorizationCodeReuseDetected is logged when an unknown, expired or already
	// redeemed code is presented
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventTokenReuseDetected is logged when a rotated refresh token is redeemed again
	EventTokenReuseDetected = "token_reuse_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventScopeEscalationAttempt is logged when a refresh request asks for scopes that were
	// never granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
