// SPDX-License-Identifier: MIT

// Package webhook turns terminal job events into signed HTTP notifications.
// Deliveries are durable rows worked off by a polling scheduler, so a crashed
// instance never loses a notification and retries survive restarts.
package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// retryDelays[n] is the wait after the n-th failed attempt. Attempt one goes
// out immediately when the delivery row is created.
var retryDelays = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

const (
	// Endpoints this broken get switched off rather than hammered forever.
	autoDisableFailures = 10
	autoDisableGrace    = 7 * 24 * time.Hour
	autoDisableReason   = "auto_disabled"
)

// Config sizes the scheduler.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	MaxAttempts   int
	SendTimeout   time.Duration
	GlobalSecret  string // signs per-job URL deliveries that have no endpoint
}

// Scheduler polls due deliveries and works them off concurrently.
type Scheduler struct {
	store  *store.Store
	blobs  blob.Store
	sender *Sender
	audit  *audit.Logger
	cfg    Config
	logger zerolog.Logger
}

func NewScheduler(st *store.Store, blobs blob.Store, auditLog *audit.Logger, cfg Config) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = len(retryDelays)
	}
	return &Scheduler{
		store:  st,
		blobs:  blobs,
		sender: NewSender(cfg.SendTimeout),
		audit:  auditLog,
		cfg:    cfg,
		logger: log.WithComponent("webhook"),
	}
}

// Run polls until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.PollInterval).Msg("delivery scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	// The claim lease doubles as the retry backstop: if this process dies
	// mid-send the delivery comes due again once the lease expires.
	lease := s.cfg.SendTimeout + s.cfg.PollInterval
	due, err := s.store.ClaimDueDeliveries(ctx, time.Now(), s.cfg.MaxConcurrent, lease)
	if err != nil {
		s.logger.Error().Err(err).Msg("claiming due deliveries failed")
		return
	}
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, d := range due {
		d := d
		g.Go(func() error {
			s.deliver(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) deliver(ctx context.Context, d *model.WebhookDelivery) {
	target := d.URLOverride
	secret := s.cfg.GlobalSecret
	var endpoint *model.WebhookEndpoint

	if d.EndpointID != "" {
		e, err := s.store.GetEndpoint(ctx, d.EndpointID)
		if err != nil {
			s.fail(ctx, d, 0, "endpoint lookup failed: "+err.Error(), false)
			return
		}
		if !e.IsActive {
			// Disabled while the delivery was queued. Drop it for good.
			s.terminalFail(ctx, d, 0, "endpoint disabled", "endpoint_disabled")
			return
		}
		endpoint = e
		target = e.URL
		secret = e.Secret
	}

	if err := ValidateURL(target); err != nil {
		s.terminalFail(ctx, d, 0, err.Error(), "invalid_url")
		return
	}

	statusCode, err := s.sender.Send(ctx, d.ID, target, secret, d.Payload)
	if err == nil {
		if err := s.store.MarkDeliverySuccess(ctx, d.ID, statusCode); err != nil {
			s.logger.Error().Err(err).Str(log.FieldDeliveryID, d.ID).Msg("marking delivery success failed")
			return
		}
		if endpoint != nil {
			if err := s.store.RecordEndpointSuccess(ctx, endpoint.ID, time.Now()); err != nil {
				s.logger.Error().Err(err).Str(log.FieldEndpointID, endpoint.ID).Msg("recording endpoint success failed")
			}
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		s.logger.Info().
			Str(log.FieldDeliveryID, d.ID).
			Str(log.FieldJobID, d.JobID).
			Int("status_code", statusCode).
			Int("attempt", d.Attempts+1).
			Msg("delivery succeeded")
		return
	}

	s.fail(ctx, d, statusCode, err.Error(), endpoint != nil)
}

// fail records one failed attempt, scheduling a retry while attempts remain
// and finalizing the delivery otherwise.
func (s *Scheduler) fail(ctx context.Context, d *model.WebhookDelivery, statusCode int, errMsg string, countsAgainstEndpoint bool) {
	attempt := d.Attempts + 1
	if attempt >= s.cfg.MaxAttempts {
		outcome := "failed"
		if err := s.store.MarkDeliveryFailure(ctx, d.ID, statusCode, errMsg, nil); err != nil {
			s.logger.Error().Err(err).Str(log.FieldDeliveryID, d.ID).Msg("marking delivery failed failed")
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
		s.logger.Warn().
			Str(log.FieldDeliveryID, d.ID).
			Str(log.FieldJobID, d.JobID).
			Int("attempts", attempt).
			Str("error", errMsg).
			Msg("delivery exhausted its attempts")
		if countsAgainstEndpoint && d.EndpointID != "" {
			s.recordEndpointFailure(ctx, d.EndpointID)
		}
		return
	}

	idx := attempt
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	next := time.Now().Add(retryDelays[idx])
	if err := s.store.MarkDeliveryFailure(ctx, d.ID, statusCode, errMsg, &next); err != nil {
		s.logger.Error().Err(err).Str(log.FieldDeliveryID, d.ID).Msg("scheduling delivery retry failed")
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	s.logger.Warn().
		Str(log.FieldDeliveryID, d.ID).
		Str(log.FieldJobID, d.JobID).
		Int("attempt", attempt).
		Time("next_retry_at", next).
		Str("error", errMsg).
		Msg("delivery attempt failed")
}

// terminalFail finalizes a delivery that must not be retried.
func (s *Scheduler) terminalFail(ctx context.Context, d *model.WebhookDelivery, statusCode int, errMsg, outcome string) {
	if err := s.store.MarkDeliveryFailure(ctx, d.ID, statusCode, errMsg, nil); err != nil {
		s.logger.Error().Err(err).Str(log.FieldDeliveryID, d.ID).Msg("marking delivery failed failed")
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	s.logger.Warn().
		Str(log.FieldDeliveryID, d.ID).
		Str(log.FieldJobID, d.JobID).
		Str(log.FieldReason, outcome).
		Str("error", errMsg).
		Msg("delivery dropped")
}

// recordEndpointFailure bumps the endpoint's consecutive-failure counter and
// disables it once it is clearly dead: enough failures in a row with no
// recent success to its name.
func (s *Scheduler) recordEndpointFailure(ctx context.Context, endpointID string) {
	e, err := s.store.RecordEndpointFailure(ctx, endpointID)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldEndpointID, endpointID).Msg("recording endpoint failure failed")
		return
	}
	if e.ConsecutiveFailures < autoDisableFailures {
		return
	}
	if e.LastSuccessAt != nil && time.Since(*e.LastSuccessAt) < autoDisableGrace {
		return
	}

	if err := s.store.DisableEndpoint(ctx, e.ID, autoDisableReason); err != nil {
		s.logger.Error().Err(err).Str(log.FieldEndpointID, e.ID).Msg("disabling endpoint failed")
		return
	}
	metrics.WebhookEndpointsDisabledTotal.Inc()
	s.audit.EndpointDisabled(ctx, e.TenantID, e.ID, autoDisableReason)
	s.logger.Warn().
		Str(log.FieldEndpointID, e.ID).
		Int("consecutive_failures", e.ConsecutiveFailures).
		Msg("endpoint auto-disabled")
}
