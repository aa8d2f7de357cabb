// SPDX-License-Identifier: MIT

// Package sessionrouter allocates realtime workers to incoming streaming
// sessions and keeps the shared registry honest: stale workers are marked
// offline and crashed gateways have their session slots reclaimed.
package sessionrouter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/registry"
)

// ErrNoCapacity is returned when no registered worker can take the session.
var ErrNoCapacity = errors.New("sessionrouter: no available worker")

// ErrSessionUnknown is returned when releasing a session whose record has
// already expired.
var ErrSessionUnknown = errors.New("sessionrouter: unknown session")

// Config sizes the router's background loops.
type Config struct {
	SessionTTL        time.Duration
	CheckInterval     time.Duration
	HeartbeatTimeout  time.Duration
	ReconcileInterval time.Duration
}

// Router is one gateway instance's view of the worker fleet.
type Router struct {
	registry *registry.Registry
	bus      bus.Bus
	cfg      Config
	logger   zerolog.Logger
}

func New(reg *registry.Registry, b bus.Bus, cfg Config) *Router {
	return &Router{
		registry: reg,
		bus:      b,
		cfg:      cfg,
		logger:   log.WithComponent("sessionrouter"),
	}
}

// AcquireRequest describes one incoming session.
type AcquireRequest struct {
	Language     string
	Model        string
	ClientIP     string
	EnhanceOnEnd bool
}

// Allocation is the routing result handed back to the gateway.
type Allocation struct {
	SessionID string
	WorkerID  string
	Endpoint  string
	Engine    string
}

// Acquire picks the least-loaded available worker and reserves one slot on
// it. The counter increment is atomic; a lost race backs the slot out and
// tries the next worker.
func (r *Router) Acquire(ctx context.Context, req AcquireRequest) (*Allocation, error) {
	workers, err := r.registry.Workers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)
	candidates := workers[:0]
	for _, w := range workers {
		if w.LastHeartbeat.After(cutoff) && w.Available(req.Model, req.Language) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		metrics.SessionsRejectedTotal.WithLabelValues("no_capacity").Inc()
		return nil, ErrNoCapacity
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FreeSlots() > candidates[j].FreeSlots()
	})

	sessionID, err := newSessionID()
	if err != nil {
		return nil, err
	}

	for _, w := range candidates {
		n, err := r.registry.IncrSessions(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if n > int64(w.Capacity) {
			if _, err := r.registry.DecrSessions(ctx, w.ID); err != nil {
				r.logger.Error().Err(err).Str(log.FieldWorkerID, w.ID).Msg("slot backout failed")
			}
			continue
		}

		rec := &registry.SessionRecord{
			ID:           sessionID,
			WorkerID:     w.ID,
			Endpoint:     w.Endpoint,
			Engine:       w.Engine,
			Language:     req.Language,
			Model:        req.Model,
			ClientIP:     req.ClientIP,
			EnhanceOnEnd: req.EnhanceOnEnd,
			Status:       "active",
			CreatedAt:    time.Now(),
		}
		if err := r.registry.PutSession(ctx, rec, r.cfg.SessionTTL); err != nil {
			if _, derr := r.registry.DecrSessions(ctx, w.ID); derr != nil {
				r.logger.Error().Err(derr).Str(log.FieldWorkerID, w.ID).Msg("slot backout failed")
			}
			return nil, err
		}

		metrics.SessionsAcquiredTotal.Inc()
		r.logger.Info().
			Str(log.FieldSessionID, sessionID).
			Str(log.FieldWorkerID, w.ID).
			Str("language", req.Language).
			Str("model", req.Model).
			Msg("session allocated")
		return &Allocation{
			SessionID: sessionID,
			WorkerID:  w.ID,
			Endpoint:  w.Endpoint,
			Engine:    w.Engine,
		}, nil
	}

	metrics.SessionsRejectedTotal.WithLabelValues("race_lost").Inc()
	return nil, ErrNoCapacity
}

// Touch renews the allocation record's TTL. Returns false when the record
// has already expired.
func (r *Router) Touch(ctx context.Context, sessionID string) (bool, error) {
	return r.registry.TouchSession(ctx, sessionID, r.cfg.SessionTTL)
}

// Release frees the worker slot and ends the allocation record, returning
// the prior state for the caller's bookkeeping.
func (r *Router) Release(ctx context.Context, sessionID string) (*registry.SessionRecord, error) {
	rec, err := r.registry.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != "active" {
		return nil, fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}
	if _, err := r.registry.DecrSessions(ctx, rec.WorkerID); err != nil {
		return nil, err
	}
	if err := r.registry.EndSession(ctx, sessionID, rec.WorkerID, time.Minute); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldWorkerID, rec.WorkerID).
		Msg("session released")
	return rec, nil
}

func newSessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("sessionrouter: mint session id: %w", err)
	}
	return "sess_" + hex.EncodeToString(b[:]), nil
}
