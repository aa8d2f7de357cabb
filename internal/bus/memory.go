// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sync"

	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
)

// MemoryBus is an in-process Bus for unit tests and single-binary setups.
// Not durable; delivery holds only while the process lives.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memSub
	closed bool
}

func NewMemory() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, ev model.Event) error {
	b.mu.RLock()
	subs := append([]*memSub(nil), b.subs...)
	b.mu.RUnlock()

	metrics.BusPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			metrics.IncBusDrop("context_done")
			return ctx.Err()
		default:
			metrics.IncBusDrop("full")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	s := &memSub{b: b, ch: make(chan model.Event, 256)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	return nil
}

type memSub struct {
	b    *MemoryBus
	ch   chan model.Event
	once sync.Once
}

func (s *memSub) C() <-chan model.Event { return s.ch }

func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	out := s.b.subs[:0]
	found := false
	for _, c := range s.b.subs {
		if c != s {
			out = append(out, c)
		} else {
			found = true
		}
	}
	s.b.subs = out
	if found {
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
var _ Bus = (*RedisBus)(nil)
