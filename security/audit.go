package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security audit events. Subject ids are hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
	// onEvent is called for every logged event, used to count events in metrics
	onEvent func(eventType string)
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetClock replaces the clock used for event timestamps
func (a *Auditor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// OnEvent registers a callback invoked with the type of every logged event
func (a *Auditor) OnEvent(fn func(eventType string)) {
	a.onEvent = fn
}

// Event is a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the subject id hashed
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	if a.onEvent != nil {
		a.onEvent(event.Type)
	}
}

// LogCodeIssued logs an authorization code issued at the authorize endpoint
func (a *Auditor) LogCodeIssued(subjectID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenIssued logs a successful token response
func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token redemption
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": rotated},
	})
}

// LogConsentDecision logs a consent granted or denied in the consent UI
func (a *Auditor) LogConsentDecision(subjectID, clientID string, granted, remember bool) {
	eventType := EventConsentGranted
	if !granted {
		eventType = EventConsentDenied
	}
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details:   map[string]any{"remember": remember},
	})
}

// LogAuthFailure logs a failed client authentication
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogGrantRejected logs a token request rejected for a security-relevant reason
func (a *Auditor) LogGrantRejected(eventType, clientID, ipAddress, description string) {
	a.LogEvent(Event{
		Type:      eventType,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"description": description},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
