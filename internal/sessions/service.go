// SPDX-License-Identifier: MIT

// Package sessions keeps the durable history of realtime streaming sessions.
// Live placement is the sessionrouter's business; this service records what
// happened, applies retention, and spawns enhancement jobs for sessions that
// asked for one.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/jobs"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/retention"
	"github.com/dalstonhq/dalston/internal/sessionrouter"
	"github.com/dalstonhq/dalston/internal/store"
)

// Service pairs router allocations with persistent session rows.
type Service struct {
	store     *store.Store
	router    *sessionrouter.Router
	retention *retention.Engine
	jobs      *jobs.Service
	logger    zerolog.Logger
}

func New(st *store.Store, router *sessionrouter.Router, ret *retention.Engine, jobSvc *jobs.Service) *Service {
	return &Service{
		store:     st,
		router:    router,
		retention: ret,
		jobs:      jobSvc,
		logger:    log.WithComponent("sessions"),
	}
}

// BeginRequest describes one incoming streaming connection.
type BeginRequest struct {
	TenantID          string
	Language          string
	Model             string
	Encoding          string
	SampleRate        int
	ClientIP          string
	EnhanceOnEnd      bool
	PreviousSessionID string
	RetentionPolicy   string
}

// Begin allocates a worker and opens the session record. The allocation is
// backed out if the row cannot be written, so registry and store stay in
// step.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (*model.RealtimeSession, *sessionrouter.Allocation, error) {
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = model.DefaultTenantID
	}

	policy, err := s.retention.Resolve(ctx, tenantID, req.RetentionPolicy)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: retention policy %q", model.ErrInvalid, req.RetentionPolicy)
	}

	alloc, err := s.router.Acquire(ctx, sessionrouter.AcquireRequest{
		Language:     req.Language,
		Model:        req.Model,
		ClientIP:     req.ClientIP,
		EnhanceOnEnd: req.EnhanceOnEnd,
	})
	if err != nil {
		return nil, nil, err
	}

	sess := &model.RealtimeSession{
		ID:                alloc.SessionID,
		TenantID:          tenantID,
		Status:            model.SessionActive,
		Language:          req.Language,
		Model:             req.Model,
		Engine:            alloc.Engine,
		Encoding:          req.Encoding,
		SampleRate:        req.SampleRate,
		WorkerID:          alloc.WorkerID,
		ClientIP:          req.ClientIP,
		PreviousSessionID: req.PreviousSessionID,
		RetentionPolicyID: policy.ID,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if _, rerr := s.router.Release(ctx, alloc.SessionID); rerr != nil {
			s.logger.Error().Err(rerr).Str(log.FieldSessionID, alloc.SessionID).Msg("allocation backout failed")
		}
		return nil, nil, err
	}

	s.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldWorkerID, alloc.WorkerID).
		Str(log.FieldTenantID, tenantID).
		Msg("session started")
	return sess, alloc, nil
}

// Touch renews the session's allocation lease. Returns false when the
// allocation has already expired and the gateway should reconnect.
func (s *Service) Touch(ctx context.Context, sessionID string) (bool, error) {
	return s.router.Touch(ctx, sessionID)
}

// Get returns one session row, scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (*model.RealtimeSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && sess.TenantID != tenantID {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, sessionID)
	}
	return sess, nil
}

// List returns a tenant's sessions, newest first.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*model.RealtimeSession, error) {
	return s.store.ListSessions(ctx, tenantID, limit)
}

// FinishRequest carries the closing stats of a session.
type FinishRequest struct {
	SessionID string
	Status    model.SessionStatus // completed, interrupted, or error

	AudioDurationSeconds float64
	SegmentCount         int
	WordCount            int

	AudioURI      string
	TranscriptURI string
}

// Finish releases the worker slot, finalizes the row, applies retention, and
// spawns the enhancement job when the session asked for one. Finishing an
// already-terminal session conflicts.
func (s *Service) Finish(ctx context.Context, req FinishRequest) (*model.RealtimeSession, error) {
	status := req.Status
	if status == model.SessionActive || status == "" {
		status = model.SessionCompleted
	}

	rec, err := s.router.Release(ctx, req.SessionID)
	if err != nil && !isUnknownSession(err) {
		return nil, err
	}

	now := time.Now()
	sess, err := s.store.UpdateSession(ctx, req.SessionID, func(x *model.RealtimeSession) error {
		if x.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", model.ErrConflict, x.ID, x.Status)
		}
		x.Status = status
		x.AudioDurationSeconds = req.AudioDurationSeconds
		x.SegmentCount = req.SegmentCount
		x.WordCount = req.WordCount
		x.AudioURI = req.AudioURI
		x.TranscriptURI = req.TranscriptURI
		x.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.retention.FinalizeSession(ctx, sess, now); err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("retention stamping failed")
	}
	metrics.SessionsFinishedTotal.WithLabelValues(string(status)).Inc()

	if status == model.SessionCompleted && rec != nil && rec.EnhanceOnEnd {
		s.spawnEnhancement(ctx, sess)
	}

	s.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldNewState, string(status)).
		Float64("audio_duration_seconds", sess.AudioDurationSeconds).
		Msg("session finished")
	return sess, nil
}

// spawnEnhancement submits the recorded audio as a batch job for a
// higher-quality rerun. Best-effort: the session finished either way.
func (s *Service) spawnEnhancement(ctx context.Context, sess *model.RealtimeSession) {
	audioURI := sess.AudioURI
	if audioURI == "" {
		audioURI = blob.SessionAudioPath(sess.ID)
	}

	job, err := s.jobs.Create(ctx, jobs.CreateRequest{
		TenantID: sess.TenantID,
		AudioURI: audioURI,
		Parameters: &model.JobParameters{
			Language:   sess.Language,
			Model:      sess.Model,
			Timestamps: model.TimestampsWord,
		},
		Actor: "system:enhancement",
	})
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("enhancement job creation failed")
		return
	}

	if _, err := s.store.UpdateSession(ctx, sess.ID, func(x *model.RealtimeSession) error {
		x.EnhancementJobID = job.ID
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("linking enhancement job failed")
		return
	}
	s.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldJobID, job.ID).
		Msg("enhancement job queued")
}

// An expired allocation record is fine on finish: the reconciler already
// reclaimed the slot.
func isUnknownSession(err error) bool {
	return errors.Is(err, sessionrouter.ErrSessionUnknown)
}
