// SPDX-License-Identifier: MIT

package model

import "time"

// RealtimeSession is the persistent record of one streaming transcription
// session. The live allocation state lives in the worker registry; this row
// is the durable history.
type RealtimeSession struct {
	ID       string
	TenantID string
	Status   SessionStatus

	Language   string
	Model      string
	Engine     string
	Encoding   string
	SampleRate int

	WorkerID          string
	ClientIP          string
	PreviousSessionID string // optional link for resume

	AudioDurationSeconds float64
	SegmentCount         int
	WordCount            int

	AudioURI      string
	TranscriptURI string

	EnhancementJobID string

	RetentionPolicyID string
	PurgeAfter        *time.Time
	PurgedAt          *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Worker is the heartbeat-published state of one realtime worker as read
// from the shared registry. The router only reads these; workers write them.
type Worker struct {
	ID                 string
	Endpoint           string
	Status             WorkerStatus
	Capacity           int
	ActiveSessions     int
	ModelsLoaded       []string
	LanguagesSupported []string
	Engine             string
	GPUMemoryUsed      int64
	GPUMemoryTotal     int64
	LastHeartbeat      time.Time
	StartedAt          time.Time
}

// Available reports whether the worker can take one more session for the
// given model/language pair.
func (w *Worker) Available(model, language string) bool {
	if !w.Status.AcceptsSessions() {
		return false
	}
	if w.ActiveSessions >= w.Capacity {
		return false
	}
	if model != "" && !contains(w.ModelsLoaded, model) {
		return false
	}
	if language != "" && language != "auto" {
		if !contains(w.LanguagesSupported, language) && !contains(w.LanguagesSupported, "auto") {
			return false
		}
	}
	return true
}

// FreeSlots returns the remaining capacity; never negative.
func (w *Worker) FreeSlots() int {
	free := w.Capacity - w.ActiveSessions
	if free < 0 {
		return 0
	}
	return free
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
