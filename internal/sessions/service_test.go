// SPDX-License-Identifier: MIT

package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/jobs"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/retention"
	"github.com/dalstonhq/dalston/internal/sessionrouter"
	"github.com/dalstonhq/dalston/internal/store"
)

type fixture struct {
	store    *store.Store
	registry *registry.Registry
	router   *sessionrouter.Router
	bus      *bus.MemoryBus
	service  *Service
}

func setupSessions(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.New(filepath.Join(t.TempDir(), "dalston.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs := blob.NewMemoryStore()
	b := bus.NewMemory()
	auditLog := audit.NewLogger(st)
	ret := retention.New(st, blobs, auditLog, retention.Config{SweepInterval: time.Minute, BatchSize: 10})
	reg := registry.New(client)
	router := sessionrouter.New(reg, b, sessionrouter.Config{
		SessionTTL:        time.Minute,
		CheckInterval:     50 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Second,
		ReconcileInterval: time.Minute,
	})
	jobSvc := jobs.New(st, blobs, b, flags.New(client, 24*time.Hour), ret, auditLog)

	return &fixture{
		store:    st,
		registry: reg,
		router:   router,
		bus:      b,
		service:  New(st, router, ret, jobSvc),
	}
}

func registerWorker(t *testing.T, reg *registry.Registry) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &model.Worker{
		ID:                 "worker-1",
		Endpoint:           "ws://worker-1:8765",
		Status:             model.WorkerReady,
		Capacity:           4,
		ModelsLoaded:       []string{"base"},
		LanguagesSupported: []string{"en", "auto"},
		Engine:             "realtime",
		LastHeartbeat:      time.Now(),
		StartedAt:          time.Now(),
	}))
}

func TestBeginAndFinish(t *testing.T) {
	f := setupSessions(t)
	ctx := context.Background()
	registerWorker(t, f.registry)

	sess, alloc, err := f.service.Begin(ctx, BeginRequest{
		Language:   "en",
		Model:      "base",
		Encoding:   "pcm_s16le",
		SampleRate: 16000,
		ClientIP:   "203.0.113.7",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, sess.Status)
	assert.Equal(t, "worker-1", alloc.WorkerID)
	assert.Equal(t, sess.ID, alloc.SessionID)
	assert.Equal(t, model.PolicyDefaultID, sess.RetentionPolicyID)

	ok, err := f.service.Touch(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.service.Finish(ctx, FinishRequest{
		SessionID:            sess.ID,
		AudioDurationSeconds: 93.2,
		SegmentCount:         41,
		WordCount:            310,
		AudioURI:             "sessions/" + sess.ID + "/audio.wav",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
	assert.Equal(t, 93.2, got.AudioDurationSeconds)
	require.NotNil(t, got.CompletedAt)

	// The default policy stamps a purge deadline on the stored row.
	stored, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PurgeAfter)

	// The worker slot was freed.
	workers, err := f.registry.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, 0, workers[0].ActiveSessions)
}

func TestBegin_NoWorkers(t *testing.T) {
	f := setupSessions(t)

	_, _, err := f.service.Begin(context.Background(), BeginRequest{Language: "en", Model: "base"})
	assert.ErrorIs(t, err, sessionrouter.ErrNoCapacity)
}

func TestFinish_AlreadyTerminalConflicts(t *testing.T) {
	f := setupSessions(t)
	ctx := context.Background()
	registerWorker(t, f.registry)

	sess, _, err := f.service.Begin(ctx, BeginRequest{Language: "en", Model: "base"})
	require.NoError(t, err)

	_, err = f.service.Finish(ctx, FinishRequest{SessionID: sess.ID})
	require.NoError(t, err)

	_, err = f.service.Finish(ctx, FinishRequest{SessionID: sess.ID})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestFinish_SpawnsEnhancementJob(t *testing.T) {
	f := setupSessions(t)
	ctx := context.Background()
	registerWorker(t, f.registry)

	sess, _, err := f.service.Begin(ctx, BeginRequest{
		Language:     "en",
		Model:        "base",
		EnhanceOnEnd: true,
	})
	require.NoError(t, err)

	got, err := f.service.Finish(ctx, FinishRequest{
		SessionID: sess.ID,
		AudioURI:  "sessions/" + sess.ID + "/audio.wav",
	})
	require.NoError(t, err)

	stored, err := f.service.Get(ctx, model.DefaultTenantID, got.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.EnhancementJobID)

	job, err := f.store.GetJob(ctx, stored.EnhancementJobID)
	require.NoError(t, err)
	assert.Equal(t, "sessions/"+sess.ID+"/audio.wav", job.AudioURI)
	assert.Equal(t, "en", job.Parameters.Language)
	assert.Equal(t, model.JobPending, job.Status)
}

func TestFinish_InterruptedSkipsEnhancement(t *testing.T) {
	f := setupSessions(t)
	ctx := context.Background()
	registerWorker(t, f.registry)

	sess, _, err := f.service.Begin(ctx, BeginRequest{
		Language:     "en",
		Model:        "base",
		EnhanceOnEnd: true,
	})
	require.NoError(t, err)

	got, err := f.service.Finish(ctx, FinishRequest{
		SessionID: sess.ID,
		Status:    model.SessionInterrupted,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionInterrupted, got.Status)
	assert.Empty(t, got.EnhancementJobID)
}

func TestRunOfflineWatcher_InterruptsStrandedSessions(t *testing.T) {
	f := setupSessions(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerWorker(t, f.registry)

	sess, _, err := f.service.Begin(ctx, BeginRequest{Language: "en", Model: "base"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.service.RunOfflineWatcher(ctx, f.bus) }()

	// The watcher subscribes asynchronously; re-publishing until the session
	// flips is safe because duplicate offline events are tolerated.
	require.Eventually(t, func() bool {
		require.NoError(t, f.bus.Publish(ctx, model.Event{
			Type:      model.EventWorkerOffline,
			WorkerID:  "worker-1",
			SessionID: sess.ID,
		}))
		got, err := f.store.GetSession(ctx, sess.ID)
		return err == nil && got.Status == model.SessionInterrupted
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
