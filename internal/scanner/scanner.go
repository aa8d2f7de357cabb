// SPDX-License-Identifier: MIT

// Package scanner is the recovery sweep: it turns silent task and engine
// failures into explicit failure events the orchestrator can react to. At
// most one instance sweeps at a time, elected through a TTL lock.
package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/queue"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

// Config sizes the sweep.
type Config struct {
	ScanInterval     time.Duration
	StaleThreshold   time.Duration
	HeartbeatTimeout time.Duration
}

// Scanner runs on every orchestrator instance; the leader lock decides which
// one actually sweeps.
type Scanner struct {
	store    *store.Store
	queue    *queue.Queue
	bus      bus.Bus
	flags    *flags.Flags
	registry *registry.Registry
	lock     *flags.LeaderLock
	cfg      Config
	logger   zerolog.Logger
}

func New(
	st *store.Store,
	q *queue.Queue,
	b bus.Bus,
	fl *flags.Flags,
	reg *registry.Registry,
	lock *flags.LeaderLock,
	cfg Config,
) *Scanner {
	return &Scanner{
		store:    st,
		queue:    q,
		bus:      b,
		flags:    fl,
		registry: reg,
		lock:     lock,
		cfg:      cfg,
		logger:   log.WithComponent("scanner"),
	}
}

// Run ticks the sweep until the context ends. The lock is acquired per
// iteration and released afterwards, so leadership rotates naturally when
// instances come and go.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.ScanInterval).Msg("recovery scanner started")
	for {
		select {
		case <-ctx.Done():
			metrics.ScannerIsLeader.Set(0)
			return ctx.Err()
		case <-ticker.C:
			ok, err := s.lock.Acquire(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("leader acquire failed")
				continue
			}
			if !ok {
				metrics.ScannerIsLeader.Set(0)
				continue
			}
			metrics.ScannerIsLeader.Set(1)
			s.Sweep(ctx)
			if err := s.lock.Release(ctx); err != nil {
				// Forfeit-safe: the TTL expires the lock anyway.
				s.logger.Warn().Err(err).Msg("leader release failed")
			}
			metrics.ScannerIsLeader.Set(0)
		}
	}
}

// Sweep runs one full recovery pass. Aborts when leadership is lost
// mid-iteration.
func (s *Scanner) Sweep(ctx context.Context) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ScannerSweepsTotal.WithLabelValues(outcome).Inc()
		metrics.ScannerSweepDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	stages, err := s.queue.Enumerate(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("stream enumeration failed")
		outcome = "error"
		return
	}

	for _, stage := range stages {
		stillLeader, err := s.lock.Extend(ctx)
		if err != nil || !stillLeader {
			s.logger.Warn().Err(err).Msg("leadership lost mid-sweep, aborting")
			outcome = "aborted"
			return
		}
		s.sweepStage(ctx, stage)
	}

	s.sweepWaiting(ctx)
}

// sweepStage reclaims stale PEL entries of one stage: dead consumers become
// engine_dead failures, expired timeouts become timeout failures.
func (s *Scanner) sweepStage(ctx context.Context, stage string) {
	pending, err := s.queue.Pending(ctx, stage)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldStage, stage).Msg("pending enumeration failed")
		return
	}
	metrics.QueuePendingEntries.WithLabelValues(stage).Set(float64(len(pending)))

	now := time.Now()
	if age, ok, err := s.queue.OldestTaskAge(ctx, stage, now); err == nil {
		v := 0.0
		if ok {
			v = age.Seconds()
		}
		metrics.QueueOldestTaskAgeSeconds.WithLabelValues(stage).Set(v)
	}

	for _, e := range pending {
		s.markRunning(ctx, e)
		if e.Idle < s.cfg.StaleThreshold {
			continue
		}
		alive, err := s.registry.ConsumerAlive(ctx, e.Consumer, s.cfg.HeartbeatTimeout)
		if err != nil {
			s.logger.Error().Err(err).Str(log.FieldConsumer, e.Consumer).Msg("liveness probe failed")
			continue
		}
		switch {
		case !alive:
			s.failStale(ctx, stage, e, model.ReasonEngineDead, "consumer stopped heartbeating")
		case !e.TimeoutAt.IsZero() && now.After(e.TimeoutAt):
			s.failStale(ctx, stage, e, model.ReasonTimeout, "task exceeded its deadline")
		}
	}
}

// markRunning reconciles the store with the PEL: a pending entry means some
// consumer holds the task, so ready flips to running. Conditional, so entries
// already reconciled no-op on later sweeps.
func (s *Scanner) markRunning(ctx context.Context, e queue.PendingEntry) {
	if e.TaskID == "" {
		return
	}
	ok, err := s.store.AdvanceTaskStatus(ctx, e.TaskID, model.TaskRunning, model.TaskReady)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldTaskID, e.TaskID).Msg("claim reconciliation failed")
		return
	}
	if !ok {
		return
	}
	metrics.ScannerClaimsReconciledTotal.Inc()
	s.logger.Debug().
		Str(log.FieldTaskID, e.TaskID).
		Str(log.FieldConsumer, e.Consumer).
		Msg("claimed task marked running")
}

// failStale converts one stale entry into a synthetic failure. The store
// update is conditional, so a replayed sweep no-ops.
func (s *Scanner) failStale(ctx context.Context, stage string, e queue.PendingEntry, reason model.ReasonCode, errMsg string) {
	ok, err := s.store.FailTask(ctx, e.TaskID, errMsg, reason, model.TaskRunning, model.TaskReady)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldTaskID, e.TaskID).Msg("stale task update failed")
		return
	}
	if err := s.queue.Ack(ctx, stage, e.MessageID); err != nil {
		s.logger.Error().Err(err).Str(log.FieldMessageID, e.MessageID).Msg("stale message ack failed")
	}
	if !ok {
		return
	}
	metrics.ScannerStaleTasksTotal.WithLabelValues(string(reason)).Inc()
	s.logger.Warn().
		Str(log.FieldStage, stage).
		Str(log.FieldTaskID, e.TaskID).
		Str(log.FieldJobID, e.JobID).
		Str(log.FieldConsumer, e.Consumer).
		Str(log.FieldReason, string(reason)).
		Dur("idle", e.Idle).
		Msg("stale task failed")
	if err := s.bus.Publish(ctx, model.Event{
		Type:   model.EventTaskFailed,
		JobID:  e.JobID,
		TaskID: e.TaskID,
		Error:  errMsg,
		Reason: string(reason),
	}); err != nil {
		s.logger.Error().Err(err).Str(log.FieldTaskID, e.TaskID).Msg("failure event publish failed")
	}
}

// sweepWaiting enforces wait-for-engine deadlines. Tasks whose message was
// claimed in the meantime are handled by the regular stale path instead.
func (s *Scanner) sweepWaiting(ctx context.Context) {
	markers, err := s.flags.WaitingTasks(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("waiting-task scan failed")
		return
	}
	now := time.Now()

	for _, m := range markers {
		if now.Before(m.WaitDeadlineAt) {
			continue
		}
		t, err := s.store.GetTask(ctx, m.TaskID)
		if err != nil {
			_ = s.flags.ClearWaiting(ctx, m.TaskID)
			continue
		}
		if t.Status != model.TaskReady && t.Status != model.TaskPending {
			_ = s.flags.ClearWaiting(ctx, m.TaskID)
			continue
		}
		counts, err := s.queue.DeliveryCounts(ctx, m.EngineID, m.StreamMessageID)
		if err != nil {
			s.logger.Error().Err(err).Str(log.FieldTaskID, m.TaskID).Msg("delivery probe failed")
			continue
		}
		if _, claimed := counts[m.StreamMessageID]; claimed {
			_ = s.flags.ClearWaiting(ctx, m.TaskID)
			continue
		}

		if err := s.queue.Delete(ctx, m.EngineID, m.StreamMessageID); err != nil {
			s.logger.Error().Err(err).Str(log.FieldMessageID, m.StreamMessageID).Msg("withdrawing waiting message failed")
		}
		if err := s.flags.ClearWaiting(ctx, m.TaskID); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldTaskID, m.TaskID).Msg("clearing wait marker failed")
		}
		metrics.ScannerWaitTimeoutsTotal.Inc()
		s.logger.Warn().
			Str(log.FieldTaskID, m.TaskID).
			Str(log.FieldJobID, m.JobID).
			Str(log.FieldEngineID, m.EngineID).
			Msg("wait-for-engine deadline elapsed")
		if err := s.bus.Publish(ctx, model.Event{
			Type:     model.EventTaskWaitTimeout,
			JobID:    m.JobID,
			TaskID:   m.TaskID,
			EngineID: m.EngineID,
		}); err != nil {
			s.logger.Error().Err(err).Str(log.FieldTaskID, m.TaskID).Msg("wait-timeout event publish failed")
		}
	}
}
