// SPDX-License-Identifier: MIT

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/resilience"
)

const (
	headerSignature = "X-Dalston-Signature"
	headerTimestamp = "X-Dalston-Timestamp"
	headerWebhookID = "X-Dalston-Webhook-Id"

	// Per-host send budget. A single slow receiver must not starve the
	// scheduler's worker pool.
	perHostRate  = rate.Limit(5)
	perHostBurst = 10

	breakerThreshold = 3
	breakerReset     = 30 * time.Second
)

// Sender performs one signed HTTP POST per delivery attempt, with a per-host
// rate limiter and circuit breaker in front of the wire.
type Sender struct {
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
}

func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		client:   &http.Client{Timeout: timeout},
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Sign computes the signature header value over "{timestamp}.{payload}".
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts the payload to target. It returns the HTTP status code of the
// response when one was received; a non-2xx status is reported as an error.
func (s *Sender) Send(ctx context.Context, deliveryID, target, secret string, payload []byte) (int, error) {
	host := hostOf(target)
	if err := s.limiterFor(host).Wait(ctx); err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() {
		metrics.WebhookDeliveryDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	var statusCode int
	err := s.breakerFor(host).Execute(func() error {
		ts := strconv.FormatInt(time.Now().Unix(), 10)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerSignature, Sign(secret, ts, payload))
		req.Header.Set(headerTimestamp, ts)
		req.Header.Set(headerWebhookID, deliveryID)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		statusCode = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook: receiver returned %d", resp.StatusCode)
		}
		return nil
	})
	return statusCode, err
}

func (s *Sender) limiterFor(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(perHostRate, perHostBurst)
		s.limiters[host] = l
	}
	return l
}

func (s *Sender) breakerFor(host string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[host]
	if !ok {
		b = resilience.NewCircuitBreaker(host, breakerThreshold, breakerReset)
		s.breakers[host] = b
	}
	return b
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}
