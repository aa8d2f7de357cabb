// SPDX-License-Identifier: MIT

// Package jobs is the batch-transcription lifecycle surface: create, fetch,
// list, cancel, and transcript retrieval. The HTTP layer sits on top of this
// and stays thin.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/retention"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/webhook"
)

// maxMetadataBytes bounds the webhook metadata blob echoed back in payloads.
const maxMetadataBytes = 16 * 1024

// Service wires job persistence, the cancel flag, retention policy
// resolution, and the event bus behind one API.
type Service struct {
	store     *store.Store
	blobs     blob.Store
	bus       bus.Bus
	flags     *flags.Flags
	retention *retention.Engine
	audit     *audit.Logger
	logger    zerolog.Logger
}

func New(
	st *store.Store,
	blobs blob.Store,
	b bus.Bus,
	fl *flags.Flags,
	ret *retention.Engine,
	auditLog *audit.Logger,
) *Service {
	return &Service{
		store:     st,
		blobs:     blobs,
		bus:       b,
		flags:     fl,
		retention: ret,
		audit:     auditLog,
		logger:    log.WithComponent("jobs"),
	}
}

// CreateRequest carries everything a caller can say about a new job.
type CreateRequest struct {
	TenantID   string
	AudioURI   string
	Parameters *model.JobParameters // nil means defaults

	WebhookURL      string
	WebhookMetadata map[string]any

	RetentionPolicy string // policy name; empty selects the system default

	Actor     string
	RequestID string
}

// Create validates the request, resolves the retention policy, persists the
// job in pending, and announces it on the bus. The orchestrator takes over
// from there.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Job, error) {
	if req.AudioURI == "" {
		return nil, fmt.Errorf("%w: audio_uri is required", model.ErrInvalid)
	}

	params := model.DefaultJobParameters()
	if req.Parameters != nil {
		params = *req.Parameters
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if req.WebhookURL != "" {
		if err := webhook.ValidateURL(req.WebhookURL); err != nil {
			return nil, fmt.Errorf("%w: webhook_url: %v", model.ErrInvalid, err)
		}
	}
	if req.WebhookMetadata != nil {
		raw, err := json.Marshal(req.WebhookMetadata)
		if err != nil {
			return nil, fmt.Errorf("%w: webhook_metadata: %v", model.ErrInvalid, err)
		}
		if len(raw) > maxMetadataBytes {
			return nil, fmt.Errorf("%w: webhook_metadata exceeds %d bytes", model.ErrInvalid, maxMetadataBytes)
		}
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = model.DefaultTenantID
	}

	policy, err := s.retention.Resolve(ctx, tenantID, req.RetentionPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: retention policy %q", model.ErrInvalid, req.RetentionPolicy)
	}

	job := &model.Job{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Status:            model.JobPending,
		AudioURI:          req.AudioURI,
		Parameters:        params,
		WebhookURL:        req.WebhookURL,
		WebhookMetadata:   req.WebhookMetadata,
		RetentionPolicyID: policy.ID,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobsCreatedTotal.Inc()
	s.audit.JobCreated(ctx, tenantID, job.ID, req.Actor, req.RequestID)
	s.logger.Info().
		Str(log.FieldJobID, job.ID).
		Str(log.FieldTenantID, tenantID).
		Str(log.FieldURI, job.AudioURI).
		Msg("job created")

	if err := s.bus.Publish(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID}); err != nil {
		// The recovery scanner will not find it; surface the error so the
		// caller can retry instead of waiting on a job that never starts.
		return nil, fmt.Errorf("jobs: announcing job %s: %w", job.ID, err)
	}
	return job, nil
}

// Get returns one job, scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	return job, nil
}

// List returns a tenant's jobs, newest first.
func (s *Service) List(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// Cancel requests cooperative cancellation. Terminal jobs conflict. The flag
// and the cancelling transition land before the event goes out, so callers
// reading the job back see cancelling immediately and engines polling the
// flag stop promptly even when the event is lost on the fire-and-forget bus.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID, actor, requestID string) error {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", model.ErrConflict, jobID, job.Status)
	}

	if err := s.flags.SetJobCancelled(ctx, jobID); err != nil {
		return err
	}
	if _, err := s.store.AdvanceJobStatus(ctx, jobID, model.JobCancelling,
		model.JobPending, model.JobRunning); err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, model.Event{Type: model.EventJobCancelRequested, JobID: jobID}); err != nil {
		return err
	}
	s.audit.JobCancelled(ctx, job.TenantID, jobID, actor, requestID)
	s.logger.Info().Str(log.FieldJobID, jobID).Msg("cancellation requested")
	return nil
}

// Transcript returns the merged transcript document of a completed job.
func (s *Service) Transcript(ctx context.Context, tenantID, jobID string) ([]byte, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrConflict, jobID, job.Status)
	}
	if job.PurgedAt != nil {
		return nil, fmt.Errorf("%w: transcript of job %s was purged at %s",
			model.ErrNotFound, jobID, job.PurgedAt.Format(time.RFC3339))
	}
	return s.blobs.Get(ctx, blob.JobTranscriptPath(jobID))
}
