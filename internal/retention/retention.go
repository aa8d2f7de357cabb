// SPDX-License-Identifier: MIT

// Package retention resolves deletion contracts and enforces them. Policy
// resolution happens at creation time; the purge deadline is computed at
// finalization; a background sweep deletes expired artifacts in batches.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// Config sizes the cleanup sweep.
type Config struct {
	SweepInterval time.Duration
	BatchSize     int
}

// Engine owns policy resolution, purge-deadline computation and the cleanup
// sweep.
type Engine struct {
	store  *store.Store
	blobs  blob.Store
	audit  *audit.Logger
	cfg    Config
	logger zerolog.Logger
}

func New(st *store.Store, blobs blob.Store, auditLog *audit.Logger, cfg Config) *Engine {
	return &Engine{
		store:  st,
		blobs:  blobs,
		audit:  auditLog,
		cfg:    cfg,
		logger: log.WithComponent("retention"),
	}
}

// Resolve maps a caller-supplied policy name onto a stored policy. An empty
// name falls back to the system default.
func (e *Engine) Resolve(ctx context.Context, tenantID, name string) (*model.RetentionPolicy, error) {
	if name == "" {
		return e.store.GetPolicy(ctx, model.PolicyDefaultID)
	}
	return e.store.GetPolicyByName(ctx, tenantID, name)
}

// FinalizeJob computes and persists the purge deadline for a job reaching a
// terminal state, then flips the job's artifact rows to available so the
// per-blob generation can expire them.
func (e *Engine) FinalizeJob(ctx context.Context, job *model.Job, completedAt time.Time) error {
	policy, err := e.policyFor(ctx, job.RetentionPolicyID)
	if err != nil {
		return err
	}
	purgeAfter := policy.PurgeAfter(completedAt)

	if _, err := e.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		j.PurgeAfter = purgeAfter
		return nil
	}); err != nil {
		return fmt.Errorf("retention: stamp purge deadline on job %s: %w", job.ID, err)
	}
	if err := e.store.MarkArtifactsAvailable(ctx, model.OwnerJob, job.ID, completedAt); err != nil {
		return fmt.Errorf("retention: mark artifacts available for job %s: %w", job.ID, err)
	}
	return nil
}

// FinalizeSession is FinalizeJob's realtime counterpart, using the policy's
// realtime sub-contract when present.
func (e *Engine) FinalizeSession(ctx context.Context, sess *model.RealtimeSession, completedAt time.Time) error {
	policy, err := e.policyFor(ctx, sess.RetentionPolicyID)
	if err != nil {
		return err
	}
	purgeAfter := policy.RealtimePurgeAfter(completedAt)

	if _, err := e.store.UpdateSession(ctx, sess.ID, func(r *model.RealtimeSession) error {
		r.PurgeAfter = purgeAfter
		return nil
	}); err != nil {
		return fmt.Errorf("retention: stamp purge deadline on session %s: %w", sess.ID, err)
	}
	if err := e.store.MarkArtifactsAvailable(ctx, model.OwnerSession, sess.ID, completedAt); err != nil {
		return fmt.Errorf("retention: mark artifacts available for session %s: %w", sess.ID, err)
	}
	return nil
}

func (e *Engine) policyFor(ctx context.Context, policyID string) (*model.RetentionPolicy, error) {
	if policyID == "" {
		policyID = model.PolicyDefaultID
	}
	p, err := e.store.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return e.store.GetPolicy(ctx, model.PolicyDefaultID)
		}
		return nil, err
	}
	return p, nil
}

// Run executes the cleanup sweep until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.cfg.SweepInterval).Msg("retention sweep started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass. Per-owner failures are isolated: the error is
// logged and the pass continues with the next owner.
func (e *Engine) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.RetentionSweepDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	now := time.Now()
	jobs, err := e.store.JobsDueForPurge(ctx, now, e.cfg.BatchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("select jobs due for purge")
	}
	for _, j := range jobs {
		if err := e.purgeJob(ctx, j, now); err != nil {
			metrics.RetentionPurgeErrorsTotal.WithLabelValues(string(model.OwnerJob)).Inc()
			e.logger.Error().Err(err).Str(log.FieldJobID, j.ID).Msg("job purge failed")
			continue
		}
		metrics.RetentionPurgedTotal.WithLabelValues(string(model.OwnerJob)).Inc()
	}

	sessions, err := e.store.SessionsDueForPurge(ctx, now, e.cfg.BatchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("select sessions due for purge")
	}
	for _, s := range sessions {
		if err := e.purgeSession(ctx, s, now); err != nil {
			metrics.RetentionPurgeErrorsTotal.WithLabelValues(string(model.OwnerSession)).Inc()
			e.logger.Error().Err(err).Str(log.FieldSessionID, s.ID).Msg("session purge failed")
			continue
		}
		metrics.RetentionPurgedTotal.WithLabelValues(string(model.OwnerSession)).Inc()
	}

	e.sweepArtifacts(ctx, now)
}

func (e *Engine) purgeJob(ctx context.Context, j *model.Job, now time.Time) error {
	policy, err := e.policyFor(ctx, j.RetentionPolicyID)
	if err != nil {
		return err
	}

	var deleted int
	var kinds []string
	switch policy.Scope {
	case model.ScopeAudioOnly:
		n1, err := e.blobs.DeletePrefix(ctx, blob.JobAudioPrefix(j.ID))
		if err != nil {
			return fmt.Errorf("delete audio blobs: %w", err)
		}
		n2, err := e.blobs.DeletePrefix(ctx, blob.JobTasksPrefix(j.ID))
		if err != nil {
			return fmt.Errorf("delete task blobs: %w", err)
		}
		deleted = n1 + n2
		kinds = []string{"audio", "task_io"}
		if err := e.store.DeleteArtifactsByOwner(ctx, model.OwnerJob, j.ID, "audio", "task_io"); err != nil {
			return err
		}
	default: // all
		n, err := e.blobs.DeletePrefix(ctx, blob.JobPrefix(j.ID))
		if err != nil {
			return fmt.Errorf("delete job blobs: %w", err)
		}
		deleted = n
		kinds = []string{"audio", "task_io", "transcript"}
		if err := e.store.DeleteArtifactsByOwner(ctx, model.OwnerJob, j.ID); err != nil {
			return err
		}
	}

	if err := e.store.MarkJobPurged(ctx, j.ID, now); err != nil {
		return err
	}
	e.audit.OwnerPurged(ctx, model.OwnerJob, j.ID, kinds, deleted)
	e.logger.Info().
		Str(log.FieldJobID, j.ID).
		Strs("kinds", kinds).
		Int("blobs", deleted).
		Msg("job artifacts purged")
	return nil
}

func (e *Engine) purgeSession(ctx context.Context, s *model.RealtimeSession, now time.Time) error {
	policy, err := e.policyFor(ctx, s.RetentionPolicyID)
	if err != nil {
		return err
	}

	var deleted int
	var kinds []string
	switch policy.Scope {
	case model.ScopeAudioOnly:
		if err := e.blobs.Delete(ctx, blob.SessionAudioPath(s.ID)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("delete session audio: %w", err)
		}
		deleted = 1
		kinds = []string{"recording"}
		if err := e.store.DeleteArtifactsByOwner(ctx, model.OwnerSession, s.ID, "recording"); err != nil {
			return err
		}
	default:
		n, err := e.blobs.DeletePrefix(ctx, blob.SessionPrefix(s.ID))
		if err != nil {
			return fmt.Errorf("delete session blobs: %w", err)
		}
		deleted = n
		kinds = []string{"recording", "transcript"}
		if err := e.store.DeleteArtifactsByOwner(ctx, model.OwnerSession, s.ID); err != nil {
			return err
		}
	}

	if err := e.store.MarkSessionPurged(ctx, s.ID, now); err != nil {
		return err
	}
	e.audit.OwnerPurged(ctx, model.OwnerSession, s.ID, kinds, deleted)
	return nil
}

// sweepArtifacts handles the per-blob second generation: rows whose own TTL
// elapsed independently of the owner's deadline.
func (e *Engine) sweepArtifacts(ctx context.Context, now time.Time) {
	rows, err := e.store.ExpiredArtifacts(ctx, now, e.cfg.BatchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("select expired artifacts")
		return
	}
	for _, a := range rows {
		if err := e.blobs.Delete(ctx, a.URI); err != nil && !errors.Is(err, blob.ErrNotFound) {
			e.logger.Error().Err(err).Str("uri", a.URI).Msg("expired artifact delete failed")
			continue
		}
		if err := e.store.DeleteArtifact(ctx, a.ID); err != nil {
			e.logger.Error().Err(err).Str("artifact_id", a.ID).Msg("expired artifact row delete failed")
		}
	}
}
