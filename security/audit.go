package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs administrative actions on stored credentials with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
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

// Event represents a security audit event
type Event struct {
	Type     string
	Actor    string // operator or service performing the action
	ClientID string
	UserID   string
	Details  map[string]any

	Timestamp time.Time
}

// LogEvent logs a security event. The user ID is hashed; client IDs are public.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"actor", event.Actor,
		"client_id", event.ClientID,
		"user_id_hash", hashForLogging(event.UserID),
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(actor, clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		Actor:    actor,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogClientDeleted logs when a client registration is removed
func (a *Auditor) LogClientDeleted(actor, clientID string) {
	a.LogEvent(Event{
		Type:     EventClientDeleted,
		Actor:    actor,
		ClientID: clientID,
	})
}

// LogClientTokensRevoked logs a bulk revocation of a client's access tokens
func (a *Auditor) LogClientTokensRevoked(actor, clientID string, count int) {
	a.LogEvent(Event{
		Type:     EventClientTokensRevoked,
		Actor:    actor,
		ClientID: clientID,
		Details: map[string]any{
			"count": count,
		},
	})
}

// LogClientSecretCheck logs the outcome of a client secret verification
func (a *Auditor) LogClientSecretCheck(actor, clientID string, ok bool) {
	eventType := EventClientSecretVerified
	if !ok {
		eventType = EventAuthFailure
	}
	a.LogEvent(Event{
		Type:     eventType,
		Actor:    actor,
		ClientID: clientID,
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
