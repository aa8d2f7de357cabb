// SPDX-License-Identifier: MIT

// Package bus carries control-plane events over a single pub/sub channel.
// The bus is a wake signal, not a source of truth: publishers never wait for
// subscribers and a missed event is recovered by the periodic scanners.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
)

// Channel is the single pub/sub channel all control-plane events travel on.
const Channel = "dalston:events"

// Subscription is one live event feed. Close releases the feed; the channel
// is closed afterwards.
type Subscription interface {
	C() <-chan model.Event
	Close() error
}

// Bus is fire-and-forget publish/subscribe for control-plane events.
type Bus interface {
	Publish(ctx context.Context, ev model.Event) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// RedisBus is the production Bus over Redis pub/sub.
type RedisBus struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewRedis wraps an existing Redis client.
func NewRedis(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		logger: log.WithComponent("bus"),
	}
}

// Publish sends one event. Delivery is best-effort; zero subscribers is not
// an error.
func (b *RedisBus) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event %s: %w", ev.Type, err)
	}
	if err := b.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", ev.Type, err)
	}
	metrics.BusPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	b.logger.Debug().
		Str("event", string(ev.Type)).
		Str(log.FieldJobID, ev.JobID).
		Str(log.FieldTaskID, ev.TaskID).
		Msg("event published")
	return nil
}

// Subscribe opens a feed of all events. Malformed payloads are dropped with
// a counter bump; a full subscriber buffer also drops rather than blocking
// the reader loop.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	sub := &redisSub{ps: ps, ch: make(chan model.Event, 256)}
	go func() {
		defer close(sub.ch)
		for msg := range ps.Channel() {
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				metrics.IncBusDrop("malformed")
				b.logger.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				metrics.IncBusDrop("full")
			}
		}
	}()
	return sub, nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	ps *redis.PubSub
	ch chan model.Event
}

func (s *redisSub) C() <-chan model.Event { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }
