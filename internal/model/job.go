// SPDX-License-Identifier: MIT

package model

import "time"

// Job is a batch transcription request and its computed result fields.
type Job struct {
	ID       string
	TenantID string
	Status   JobStatus

	AudioURI   string
	Parameters JobParameters

	WebhookURL      string
	WebhookMetadata map[string]any // echoed back verbatim, <= 16 KiB JSON

	Error string

	RetentionPolicyID string // empty means the system default was applied at creation

	// Result fields, populated on terminal success.
	AudioDurationSeconds float64
	ResultLanguageCode   string
	ResultWordCount      int
	ResultSegmentCount   int
	ResultSpeakerCount   *int // nil when speaker detection was off
	ResultCharacterCount int

	// Retention bookkeeping.
	PurgeAfter *time.Time
	PurgedAt   *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Task is an atomic unit of work inside a job's DAG.
type Task struct {
	ID       string
	JobID    string
	Stage    string // free-form label: prepare, transcribe, transcribe_ch0, align, ...
	EngineID string // names the queue stream the task is dispatched to

	Status       TaskStatus
	Dependencies []string // task ids within the same job; the induced digraph is acyclic

	Config map[string]any // stage-specific directives

	InputURI  string
	OutputURI string

	// MessageID is the stream message of the latest dispatch; empty until the
	// task has been published. Lets cancellation withdraw queued messages.
	MessageID string

	Retries    int
	MaxRetries int
	Required   bool

	Error  string
	Reason ReasonCode

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DependenciesSatisfied reports whether every dependency of the task, looked
// up in the supplied map, is in a dependency-satisfying terminal state.
func (t *Task) DependenciesSatisfied(byID map[string]*Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return false
		}
		if !d.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// Tenant is the isolation unit. A single well-known default tenant always
// exists for deployments without auth.
type Tenant struct {
	ID        string
	Name      string
	Settings  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultTenantID is the well-known tenant used when no auth layer is
// configured.
const DefaultTenantID = "00000000-0000-0000-0000-000000000001"

// Principal is the authenticated caller handed in by the (out of scope) API
// layer: a tenant plus granted scopes.
type Principal struct {
	TenantID string
	Scopes   []string
}

// HasScope reports whether the principal carries the named scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
