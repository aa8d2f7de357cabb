// SPDX-License-Identifier: MIT

package sessionrouter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
)

func setupRouter(t *testing.T) (*miniredis.Miniredis, *registry.Registry, *bus.MemoryBus, *Router) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := registry.New(client)
	b := bus.NewMemory()
	r := New(reg, b, Config{
		SessionTTL:        time.Minute,
		CheckInterval:     50 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Second,
		ReconcileInterval: 50 * time.Millisecond,
	})
	return mr, reg, b, r
}

func registerWorker(t *testing.T, reg *registry.Registry, id string, capacity int, heartbeat time.Time) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &model.Worker{
		ID:                 id,
		Endpoint:           "ws://" + id + ":8765",
		Status:             model.WorkerReady,
		Capacity:           capacity,
		ModelsLoaded:       []string{"base", "large-v3"},
		LanguagesSupported: []string{"en", "de", "auto"},
		Engine:             "realtime",
		LastHeartbeat:      heartbeat,
		StartedAt:          time.Now(),
	}))
}

func TestAcquire_PicksLeastLoaded(t *testing.T) {
	_, reg, _, r := setupRouter(t)
	ctx := context.Background()

	registerWorker(t, reg, "worker-1", 4, time.Now())
	registerWorker(t, reg, "worker-2", 4, time.Now())
	for i := 0; i < 2; i++ {
		_, err := reg.IncrSessions(ctx, "worker-2")
		require.NoError(t, err)
	}

	alloc, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base", ClientIP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", alloc.WorkerID)
	assert.Equal(t, "ws://worker-1:8765", alloc.Endpoint)
	assert.Equal(t, "realtime", alloc.Engine)
	assert.NotEmpty(t, alloc.SessionID)

	rec, err := reg.Session(ctx, alloc.SessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "worker-1", rec.WorkerID)
	assert.Equal(t, "active", rec.Status)
	assert.Equal(t, "en", rec.Language)
}

func TestAcquire_FiltersUnfitWorkers(t *testing.T) {
	_, reg, _, r := setupRouter(t)
	ctx := context.Background()

	// Heartbeat too old.
	registerWorker(t, reg, "worker-stale", 4, time.Now().Add(-5*time.Minute))

	_, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	assert.ErrorIs(t, err, ErrNoCapacity)

	// Wrong model.
	registerWorker(t, reg, "worker-1", 4, time.Now())
	_, err = r.Acquire(ctx, AcquireRequest{Language: "en", Model: "turbo-v9"})
	assert.ErrorIs(t, err, ErrNoCapacity)

	// Unsupported language still routes through an "auto" worker.
	alloc, err := r.Acquire(ctx, AcquireRequest{Language: "fr", Model: "base"})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", alloc.WorkerID)
}

func TestAcquire_CapacityExhausted(t *testing.T) {
	_, reg, _, r := setupRouter(t)
	ctx := context.Background()

	registerWorker(t, reg, "worker-1", 1, time.Now())

	first, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	require.NoError(t, err)

	_, err = r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	assert.ErrorIs(t, err, ErrNoCapacity)

	// Releasing the slot makes room again.
	_, err = r.Release(ctx, first.SessionID)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	require.NoError(t, err)
}

func TestRelease(t *testing.T) {
	_, reg, _, r := setupRouter(t)
	ctx := context.Background()

	registerWorker(t, reg, "worker-1", 4, time.Now())
	alloc, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base", EnhanceOnEnd: true})
	require.NoError(t, err)

	rec, err := r.Release(ctx, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", rec.WorkerID)
	assert.True(t, rec.EnhanceOnEnd)

	workers, err := reg.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, 0, workers[0].ActiveSessions)

	// A second release finds the record already ended.
	_, err = r.Release(ctx, alloc.SessionID)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestTouch(t *testing.T) {
	mr, reg, _, r := setupRouter(t)
	ctx := context.Background()

	registerWorker(t, reg, "worker-1", 4, time.Now())
	alloc, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	require.NoError(t, err)

	ok, err := r.Touch(ctx, alloc.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = r.Touch(ctx, alloc.SessionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckWorkers_MarksStaleOffline(t *testing.T) {
	_, reg, b, r := setupRouter(t)
	ctx := context.Background()

	registerWorker(t, reg, "worker-1", 4, time.Now())
	alloc, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	require.NoError(t, err)

	// Heartbeat goes silent.
	require.NoError(t, reg.Heartbeat(ctx, "worker-1", model.WorkerReady, time.Now().Add(-5*time.Minute)))

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	r.checkWorkers(ctx)

	w, err := reg.Worker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerOffline, w.Status)

	select {
	case ev := <-sub.C():
		assert.Equal(t, model.EventWorkerOffline, ev.Type)
		assert.Equal(t, "worker-1", ev.WorkerID)
		assert.Equal(t, alloc.SessionID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected a worker-offline event")
	}

	// Already offline: no duplicate event on the next pass.
	r.checkWorkers(ctx)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconcile_ReclaimsOrphanedSlots(t *testing.T) {
	mr, reg, _, r := setupRouter(t)
	ctx := context.Background()

	registerWorker(t, reg, "worker-1", 4, time.Now())
	alloc, err := r.Acquire(ctx, AcquireRequest{Language: "en", Model: "base"})
	require.NoError(t, err)

	// The allocation record expires while its set memberships survive.
	mr.FastForward(2 * time.Minute)

	ids, err := reg.ActiveSessionIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{alloc.SessionID}, ids)

	r.reconcile(ctx)

	ids, err = reg.ActiveSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	workers, err := reg.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, 0, workers[0].ActiveSessions)

	// Re-running finds nothing to do.
	r.reconcile(ctx)
}
