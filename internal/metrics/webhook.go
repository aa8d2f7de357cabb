// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by final attempt outcome",
	}, []string{"outcome"})

	WebhookDeliveryDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dalston_webhook_delivery_duration_seconds",
		Help:    "Duration of one webhook POST",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	WebhookEndpointsDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dalston_webhook_endpoints_disabled_total",
		Help: "Endpoints auto-disabled after sustained failures",
	})

	webhookBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dalston_webhook_breaker_state",
		Help: "Webhook sender circuit breaker state per host (exactly one state is 1)",
	}, []string{"host", "state"})

	WebhookBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dalston_webhook_breaker_trips_total",
		Help: "Circuit breaker transitions to open, per host",
	}, []string{"host"})
)

var breakerStates = []string{"closed", "half-open", "open"}

// SetWebhookBreakerState records the active breaker state for a target host.
func SetWebhookBreakerState(host, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		webhookBreakerState.WithLabelValues(host, s).Set(v)
	}
}
