// SPDX-License-Identifier: MIT

package flags

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFlags(t *testing.T) (*miniredis.Miniredis, *Flags) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, 24*time.Hour)
}

func TestFlags_CancelFlag(t *testing.T) {
	mr, f := setupFlags(t)
	ctx := context.Background()

	cancelled, err := f.IsJobCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, f.SetJobCancelled(ctx, "job-1"))

	cancelled, err = f.IsJobCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The flag carries a TTL so it cannot outlive the job forever.
	ttl := mr.TTL("JOB_CANCELLED:job-1")
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, f.ClearJobCancelled(ctx, "job-1"))
	cancelled, err = f.IsJobCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestFlags_WaitMarkers(t *testing.T) {
	_, f := setupFlags(t)
	ctx := context.Background()

	deadline := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
	m := WaitMarker{
		TaskID:          "task-1",
		JobID:           "job-1",
		EngineID:        "transcribe",
		StreamMessageID: "1-1",
		WaitDeadlineAt:  deadline,
	}
	require.NoError(t, f.AddWaiting(ctx, m))

	markers, err := f.WaitingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, m.TaskID, markers[0].TaskID)
	assert.Equal(t, m.JobID, markers[0].JobID)
	assert.Equal(t, m.EngineID, markers[0].EngineID)
	assert.Equal(t, m.StreamMessageID, markers[0].StreamMessageID)
	assert.True(t, markers[0].WaitDeadlineAt.Equal(deadline))

	require.NoError(t, f.ClearWaiting(ctx, "task-1"))
	markers, err = f.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)

	// Clearing again is a no-op.
	require.NoError(t, f.ClearWaiting(ctx, "task-1"))
}

func TestFlags_WaitingTasksPrunesVanishedMarkers(t *testing.T) {
	mr, f := setupFlags(t)
	ctx := context.Background()

	require.NoError(t, f.AddWaiting(ctx, WaitMarker{TaskID: "task-1", JobID: "job-1"}))
	require.NoError(t, f.AddWaiting(ctx, WaitMarker{TaskID: "task-2", JobID: "job-1"}))

	// Simulate a marker key lost while its set membership survived.
	mr.Del("WAITING_ENGINE_TASK:task-1")

	markers, err := f.WaitingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "task-2", markers[0].TaskID)

	// The stale member was pruned in passing.
	assert.False(t, mr.Exists("WAITING_ENGINE_TASK:task-1"))
	members, err := mr.SMembers("WAITING_ENGINE_TASKS")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-2"}, members)
}

func TestLeaderLock_AcquireExtendRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewLeaderLock(client, "host-a:1", 30*time.Second)
	b := NewLeaderLock(client, "host-b:1", 30*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second instance cannot steal the lock.
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "host-a:1", holder)

	// Only the holder extends.
	ok, err = a.Extend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-holder release leaves the lock in place.
	require.NoError(t, b.Release(ctx))
	holder, err = a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "host-a:1", holder)

	require.NoError(t, a.Release(ctx))
	holder, err = a.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	// Freed lock is up for grabs.
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaderLock_ExpiryRotatesLeadership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewLeaderLock(client, "host-a:1", time.Second)
	b := NewLeaderLock(client, "host-b:1", time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale holder notices on extend.
	ok, err = a.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
