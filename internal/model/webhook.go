// SPDX-License-Identifier: MIT

package model

import "time"

// WebhookEndpoint is a persistent subscription owned by a tenant.
type WebhookEndpoint struct {
	ID       string
	TenantID string
	URL      string
	Events   []string // event names, or ["*"] for all
	Secret   string

	IsActive            bool
	ConsecutiveFailures int
	LastSuccessAt       *time.Time
	DisabledReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscribedTo reports whether the endpoint wants the named event.
func (e *WebhookEndpoint) SubscribedTo(event string) bool {
	for _, ev := range e.Events {
		if ev == "*" || ev == event {
			return true
		}
	}
	return false
}

// WebhookDelivery records one notification and its attempt history. Either
// EndpointID or URLOverride is set; per-job webhooks omit the endpoint and
// carry the URL directly, signed with the global secret.
type WebhookDelivery struct {
	ID          string
	EndpointID  string // empty for per-job webhooks
	URLOverride string // empty for endpoint deliveries
	JobID       string
	EventType   string
	Payload     []byte

	Status         DeliveryStatus
	Attempts       int
	LastStatusCode int
	LastError      string
	NextRetryAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEntry is one append-only record of a significant action. Writes are
// best-effort: business operations never block on the audit trail.
type AuditEntry struct {
	ID        string
	TenantID  string
	Type      string
	Actor     string // WHO: principal, IP, or "system"
	Action    string // WHAT: human-readable action description
	Resource  string
	Result    string // success, failure, denied
	RequestID string
	Details   map[string]string
	CreatedAt time.Time
}

// Setting is one per-namespace admin-overridable key/value row. Resolution
// order is tenant override, system override, env default, code default.
type Setting struct {
	Namespace string
	Key       string
	Value     string
	TenantID  string // empty for system-level overrides
	UpdatedAt time.Time
}
