// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for security-sensitive
// operations. It follows the WHO/WHAT/WHEN pattern for compliance and
// forensics. Writes are fail-open: a broken audit sink never blocks the
// business operation that produced the record.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Job lifecycle events
	EventJobCreated   EventType = "job.created"
	EventJobCancelled EventType = "job.cancelled"
	EventJobPurged    EventType = "job.purged"

	// Session events
	EventSessionPurged EventType = "session.purged"

	// Retention policy events
	EventPolicyCreated EventType = "policy.created"
	EventPolicyDeleted EventType = "policy.deleted"

	// Webhook endpoint events
	EventEndpointDisabled      EventType = "webhook.endpoint.disabled"
	EventEndpointEnabled       EventType = "webhook.endpoint.enabled"
	EventEndpointSecretRotated EventType = "webhook.endpoint.secret_rotated"

	// Settings events
	EventSettingChanged EventType = "setting.changed"
)

// Sink persists audit records. Implemented by the store.
type Sink interface {
	InsertAudit(ctx context.Context, e *model.AuditEntry) error
}

// Logger writes audit events to the structured log and, when a sink is
// configured, to the durable audit trail.
type Logger struct {
	logger zerolog.Logger
	sink   Sink
}

// NewLogger creates an audit logger with a dedicated "audit" component. A
// nil sink keeps the trail log-only.
func NewLogger(sink Sink) *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()
	return &Logger{logger: auditLogger, sink: sink}
}

// Event is one audit record before persistence.
type Event struct {
	Type      EventType
	TenantID  string
	Actor     string // WHO: principal, IP, or "system"
	Action    string // WHAT: human-readable action description
	Resource  string
	Result    string // success, failure, denied
	RequestID string
	Details   map[string]string
}

// Log emits the event to the structured log and the durable sink. Sink
// failures are counted and logged, never returned.
func (l *Logger) Log(ctx context.Context, event Event) {
	now := time.Now()

	logEvent := l.logger.Info().
		Time("timestamp", now).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)
	if event.TenantID != "" {
		logEvent.Str("tenant_id", event.TenantID)
	}
	if event.RequestID != "" {
		logEvent.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		logEvent.Str(key, value)
	}
	logEvent.Msg("audit event")

	if l.sink == nil {
		return
	}
	err := l.sink.InsertAudit(ctx, &model.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  event.TenantID,
		Type:      string(event.Type),
		Actor:     event.Actor,
		Action:    event.Action,
		Resource:  event.Resource,
		Result:    event.Result,
		RequestID: event.RequestID,
		Details:   event.Details,
		CreatedAt: now,
	})
	if err != nil {
		metrics.AuditFailuresTotal.Inc()
		l.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("audit sink write failed")
	}
}

// JobCreated logs the acceptance of a new transcription job.
func (l *Logger) JobCreated(ctx context.Context, tenantID, jobID, actor, requestID string) {
	l.Log(ctx, Event{
		Type:      EventJobCreated,
		TenantID:  tenantID,
		Actor:     actor,
		Action:    "created transcription job",
		Resource:  jobID,
		Result:    "success",
		RequestID: requestID,
	})
}

// JobCancelled logs an accepted cancellation request.
func (l *Logger) JobCancelled(ctx context.Context, tenantID, jobID, actor, requestID string) {
	l.Log(ctx, Event{
		Type:      EventJobCancelled,
		TenantID:  tenantID,
		Actor:     actor,
		Action:    "cancelled transcription job",
		Resource:  jobID,
		Result:    "success",
		RequestID: requestID,
	})
}

// OwnerPurged logs a retention purge with the artifact kinds removed.
func (l *Logger) OwnerPurged(ctx context.Context, ownerType model.ArtifactOwnerType, ownerID string, kinds []string, blobsDeleted int) {
	eventType := EventJobPurged
	if ownerType == model.OwnerSession {
		eventType = EventSessionPurged
	}
	l.Log(ctx, Event{
		Type:     eventType,
		Actor:    "system",
		Action:   "purged artifacts per retention policy",
		Resource: ownerID,
		Result:   "success",
		Details: map[string]string{
			"kinds":         join(kinds),
			"blobs_deleted": formatInt(blobsDeleted),
		},
	})
}

// EndpointDisabled logs a webhook endpoint auto-disable.
func (l *Logger) EndpointDisabled(ctx context.Context, tenantID, endpointID, reason string) {
	l.Log(ctx, Event{
		Type:     EventEndpointDisabled,
		TenantID: tenantID,
		Actor:    "system",
		Action:   "disabled webhook endpoint",
		Resource: endpointID,
		Result:   "success",
		Details:  map[string]string{"reason": reason},
	})
}
