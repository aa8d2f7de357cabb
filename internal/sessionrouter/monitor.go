// SPDX-License-Identifier: MIT

package sessionrouter

import (
	"context"
	"time"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
)

// RunHealthMonitor marks workers with stale heartbeats offline and notifies
// the gateway about every session stranded on them.
func (r *Router) RunHealthMonitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.checkWorkers(ctx)
		}
	}
}

func (r *Router) checkWorkers(ctx context.Context) {
	workers, err := r.registry.Workers(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("worker enumeration failed")
		return
	}

	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)
	online := 0
	for _, w := range workers {
		if w.LastHeartbeat.After(cutoff) {
			if w.Status != model.WorkerOffline {
				online++
			}
			continue
		}
		if w.Status == model.WorkerOffline {
			continue
		}

		if err := r.registry.MarkOffline(ctx, w.ID); err != nil {
			r.logger.Error().Err(err).Str(log.FieldWorkerID, w.ID).Msg("marking worker offline failed")
			continue
		}
		r.logger.Warn().
			Str(log.FieldWorkerID, w.ID).
			Time("last_heartbeat", w.LastHeartbeat).
			Msg("worker heartbeat stale, marked offline")

		sessions, err := r.registry.WorkerSessionIDs(ctx, w.ID)
		if err != nil {
			r.logger.Error().Err(err).Str(log.FieldWorkerID, w.ID).Msg("session enumeration failed")
			continue
		}
		for _, sid := range sessions {
			if err := r.bus.Publish(ctx, model.Event{
				Type:      model.EventWorkerOffline,
				WorkerID:  w.ID,
				SessionID: sid,
			}); err != nil {
				r.logger.Error().Err(err).Str(log.FieldSessionID, sid).Msg("worker-offline event publish failed")
			}
		}
	}
	metrics.WorkersOnline.Set(float64(online))
}

// RunReconciler restores capacity leaked by gateways that crashed between
// accept and close: global-set members whose allocation record expired are
// backed out of their worker's counter.
func (r *Router) RunReconciler(ctx context.Context) error {
	// Reconcile once at startup, then periodically.
	r.reconcile(ctx)

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Router) reconcile(ctx context.Context) {
	ids, err := r.registry.ActiveSessionIDs(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("active-session enumeration failed")
		return
	}

	for _, sid := range ids {
		rec, err := r.registry.Session(ctx, sid)
		if err != nil {
			r.logger.Error().Err(err).Str(log.FieldSessionID, sid).Msg("session record read failed")
			continue
		}
		if rec != nil {
			continue
		}

		workerID, err := r.findOwningWorker(ctx, sid)
		if err != nil {
			r.logger.Error().Err(err).Str(log.FieldSessionID, sid).Msg("orphan owner lookup failed")
			continue
		}
		if workerID != "" {
			// DecrSessions clamps at zero, so a double reconcile cannot go
			// negative.
			if _, err := r.registry.DecrSessions(ctx, workerID); err != nil {
				r.logger.Error().Err(err).Str(log.FieldWorkerID, workerID).Msg("orphan slot reclaim failed")
				continue
			}
		}
		if err := r.registry.DropSession(ctx, sid, workerID); err != nil {
			r.logger.Error().Err(err).Str(log.FieldSessionID, sid).Msg("orphan drop failed")
			continue
		}
		metrics.SessionsOrphanedTotal.Inc()
		r.logger.Warn().
			Str(log.FieldSessionID, sid).
			Str(log.FieldWorkerID, workerID).
			Msg("orphaned session reclaimed")
	}
}

func (r *Router) findOwningWorker(ctx context.Context, sessionID string) (string, error) {
	workers, err := r.registry.Workers(ctx)
	if err != nil {
		return "", err
	}
	for _, w := range workers {
		ids, err := r.registry.WorkerSessionIDs(ctx, w.ID)
		if err != nil {
			return "", err
		}
		for _, id := range ids {
			if id == sessionID {
				return w.ID, nil
			}
		}
	}
	return "", nil
}
