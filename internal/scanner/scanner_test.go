// SPDX-License-Identifier: MIT

package scanner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/queue"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

type fixture struct {
	mr       *miniredis.Miniredis
	store    *store.Store
	queue    *queue.Queue
	bus      *bus.MemoryBus
	flags    *flags.Flags
	registry *registry.Registry
	scanner  *Scanner
}

func setupScanner(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.New(filepath.Join(t.TempDir(), "dalston.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		mr:       mr,
		store:    st,
		queue:    queue.New(client),
		bus:      bus.NewMemory(),
		flags:    flags.New(client, 24*time.Hour),
		registry: registry.New(client),
	}
	lock := flags.NewLeaderLock(client, "test-host:1", 30*time.Second)
	f.scanner = New(st, f.queue, f.bus, f.flags, f.registry, lock, Config{
		ScanInterval:     50 * time.Millisecond,
		StaleThreshold:   time.Minute,
		HeartbeatTimeout: 30 * time.Second,
	})

	// Sweep extends the lock per stage, so the fixture holds leadership.
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return f
}

func seedTask(t *testing.T, st *store.Store, status model.TaskStatus) *model.Task {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{
		ID:         uuid.NewString(),
		TenantID:   model.DefaultTenantID,
		Status:     model.JobRunning,
		AudioURI:   "s3://audio/in.wav",
		Parameters: model.DefaultJobParameters(),
	}
	require.NoError(t, st.CreateJob(ctx, job))

	task := &model.Task{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Stage:      "prepare",
		EngineID:   "prepare",
		Status:     status,
		MaxRetries: 0,
		Required:   true,
	}
	require.NoError(t, st.InsertTasks(ctx, []*model.Task{task}))
	return task
}

func registerEngine(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &model.Worker{
		ID:            id,
		Endpoint:      "ws://" + id + ":8765",
		Status:        model.WorkerReady,
		Capacity:      4,
		Engine:        "prepare",
		LastHeartbeat: time.Now(),
		StartedAt:     time.Now(),
	}))
}

func drainEvent(t *testing.T, sub bus.Subscription) model.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event")
		return model.Event{}
	}
}

func TestSweep_DeadConsumerFailsTask(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskRunning)
	_, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, 30*time.Minute)
	require.NoError(t, err)

	// Claimed by a consumer that never registered a heartbeat.
	msg, err := f.queue.ClaimNext(ctx, "prepare", "engine-ghost", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	f.mr.SetTime(time.Now().Add(2 * time.Minute))
	f.scanner.Sweep(ctx)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonEngineDead, got.Reason)

	pending, err := f.queue.Pending(ctx, "prepare")
	require.NoError(t, err)
	assert.Empty(t, pending)

	ev := drainEvent(t, sub)
	assert.Equal(t, model.EventTaskFailed, ev.Type)
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, string(model.ReasonEngineDead), ev.Reason)
}

func TestSweep_ExpiredDeadlineFailsTask(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskRunning)
	// Deadline already in the past when published.
	_, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, -time.Minute)
	require.NoError(t, err)

	registerEngine(t, f.registry, "engine-1")
	msg, err := f.queue.ClaimNext(ctx, "prepare", "engine-1", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	f.mr.SetTime(time.Now().Add(2 * time.Minute))
	f.scanner.Sweep(ctx)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, model.ReasonTimeout, got.Reason)
}

func TestSweep_FreshClaimLeftAlone(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskRunning)
	_, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, 30*time.Minute)
	require.NoError(t, err)
	_, err = f.queue.ClaimNext(ctx, "prepare", "engine-ghost", 0)
	require.NoError(t, err)

	f.scanner.Sweep(ctx)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)

	pending, err := f.queue.Pending(ctx, "prepare")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSweep_ReplayedSweepNoOps(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskRunning)
	_, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, 30*time.Minute)
	require.NoError(t, err)
	_, err = f.queue.ClaimNext(ctx, "prepare", "engine-ghost", 0)
	require.NoError(t, err)

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	f.mr.SetTime(time.Now().Add(2 * time.Minute))
	f.scanner.Sweep(ctx)
	drainEvent(t, sub)

	// A second pass finds the entry acked and the task already failed.
	f.scanner.Sweep(ctx)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected duplicate event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweep_WaitDeadlineWithdrawsMessage(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskReady)
	msgID, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, 30*time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.flags.AddWaiting(ctx, flags.WaitMarker{
		TaskID:          task.ID,
		JobID:           task.JobID,
		EngineID:        "prepare",
		StreamMessageID: msgID,
		WaitDeadlineAt:  time.Now().Add(-time.Second),
	}))

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	f.scanner.Sweep(ctx)

	ev := drainEvent(t, sub)
	assert.Equal(t, model.EventTaskWaitTimeout, ev.Type)
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, "prepare", ev.EngineID)

	markers, err := f.flags.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)

	// Withdrawn from the stream entirely.
	msg, err := f.queue.ClaimNext(ctx, "prepare", "engine-1", 0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestSweep_WaitMarkerForClaimedMessageCleared(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskReady)
	msgID, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, 30*time.Minute)
	require.NoError(t, err)

	// An engine showed up after the marker was written.
	_, err = f.queue.ClaimNext(ctx, "prepare", "engine-1", 0)
	require.NoError(t, err)

	require.NoError(t, f.flags.AddWaiting(ctx, flags.WaitMarker{
		TaskID:          task.ID,
		JobID:           task.JobID,
		EngineID:        "prepare",
		StreamMessageID: msgID,
		WaitDeadlineAt:  time.Now().Add(-time.Second),
	}))

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	f.scanner.Sweep(ctx)

	markers, err := f.flags.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)

	// No timeout fired; the stale path owns the claimed message now, and the
	// claim reconciliation already flipped the task to running.
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
}

func TestSweep_ClaimedTaskMarkedRunning(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskReady)
	_, err := f.queue.Publish(ctx, "prepare", task.ID, task.JobID, 30*time.Minute)
	require.NoError(t, err)

	registerEngine(t, f.registry, "engine-1")
	msg, err := f.queue.ClaimNext(ctx, "prepare", "engine-1", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	f.scanner.Sweep(ctx)

	// Every PEL entry corresponds to a running task once the sweep has seen
	// it; the message itself stays claimed.
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	pending, err := f.queue.Pending(ctx, "prepare")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "engine-1", pending[0].Consumer)

	// Reconciliation is silent and idempotent.
	f.scanner.Sweep(ctx)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweep_TerminalTaskMarkerCleared(t *testing.T) {
	f := setupScanner(t)
	ctx := context.Background()

	task := seedTask(t, f.store, model.TaskCompleted)
	require.NoError(t, f.flags.AddWaiting(ctx, flags.WaitMarker{
		TaskID:          task.ID,
		JobID:           task.JobID,
		EngineID:        "prepare",
		StreamMessageID: "1-1",
		WaitDeadlineAt:  time.Now().Add(-time.Second),
	}))

	f.scanner.Sweep(ctx)

	markers, err := f.flags.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}
