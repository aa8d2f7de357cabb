// SPDX-License-Identifier: MIT

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
)

// Outbound event names. These form the receiver-facing contract and never
// change with internal status vocabulary.
const (
	EventTranscriptionCompleted = "transcription.completed"
	EventTranscriptionFailed    = "transcription.failed"
)

// maxPayloadTextChars caps the transcript excerpt embedded in the payload.
const maxPayloadTextChars = 500

type eventPayload struct {
	Event           string         `json:"event"`
	TranscriptionID string         `json:"transcription_id"`
	Status          string         `json:"status"`
	Timestamp       string         `json:"timestamp"`
	Text            string         `json:"text,omitempty"`
	Duration        float64        `json:"duration,omitempty"`
	Error           string         `json:"error,omitempty"`
	WebhookMetadata map[string]any `json:"webhook_metadata,omitempty"`
}

// NotifyJobFinished fans one terminal job out into delivery rows: one per
// subscribed endpoint plus one for the job's own webhook URL if set.
// Creation is idempotent, so a replayed orchestrator event cannot duplicate
// notifications. Cancelled jobs notify nobody.
func (s *Scheduler) NotifyJobFinished(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	var event string
	switch job.Status {
	case model.JobCompleted:
		event = EventTranscriptionCompleted
	case model.JobFailed:
		event = EventTranscriptionFailed
	default:
		return nil
	}

	payload, err := json.Marshal(s.buildPayload(ctx, job, event))
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	endpoints, err := s.store.ActiveEndpointsForEvent(ctx, job.TenantID, event)
	if err != nil {
		return err
	}
	for _, e := range endpoints {
		if _, err := s.store.CreateDelivery(ctx, &model.WebhookDelivery{
			ID:         uuid.NewString(),
			EndpointID: e.ID,
			JobID:      job.ID,
			EventType:  event,
			Payload:    payload,
		}); err != nil {
			return err
		}
	}

	if job.WebhookURL != "" {
		if _, err := s.store.CreateDelivery(ctx, &model.WebhookDelivery{
			ID:          uuid.NewString(),
			URLOverride: job.WebhookURL,
			JobID:       job.ID,
			EventType:   event,
			Payload:     payload,
		}); err != nil {
			return err
		}
	}

	s.logger.Debug().
		Str(log.FieldJobID, job.ID).
		Str(log.FieldEvent, event).
		Int("endpoints", len(endpoints)).
		Msg("deliveries scheduled")
	return nil
}

func (s *Scheduler) buildPayload(ctx context.Context, job *model.Job, event string) eventPayload {
	p := eventPayload{
		Event:           event,
		TranscriptionID: job.ID,
		Status:          string(job.Status),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Duration:        job.AudioDurationSeconds,
		Error:           job.Error,
		WebhookMetadata: job.WebhookMetadata,
	}
	if job.Status == model.JobCompleted {
		p.Text = s.transcriptExcerpt(ctx, job.ID)
	}
	return p
}

// transcriptExcerpt is best-effort: a purged or missing transcript simply
// yields an empty text field.
func (s *Scheduler) transcriptExcerpt(ctx context.Context, jobID string) string {
	raw, err := s.blobs.Get(ctx, blob.JobTranscriptPath(jobID))
	if err != nil {
		return ""
	}
	var doc struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	runes := []rune(doc.Text)
	if len(runes) > maxPayloadTextChars {
		runes = runes[:maxPayloadTextChars]
	}
	return string(runes)
}
