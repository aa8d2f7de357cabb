// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dalstonhq/dalston/internal/model"
)

func TestRedisBus_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	b := NewRedis(client)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	want := model.Event{
		Type:   model.EventTaskCompleted,
		JobID:  "job-1",
		TaskID: "task-1",
	}
	require.NoError(t, b.Publish(ctx, want))

	select {
	case got := <-sub.C():
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.JobID, got.JobID)
		assert.Equal(t, want.TaskID, got.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not arrive")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, b.Close())
}

func TestRedisBus_MalformedPayloadDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	b := NewRedis(client)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, client.Publish(ctx, Channel, "{not json").Err())
	require.NoError(t, b.Publish(ctx, model.Event{Type: model.EventJobCreated, JobID: "job-1"}))

	// Only the well-formed event comes through.
	select {
	case got := <-sub.C():
		assert.Equal(t, model.EventJobCreated, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not arrive")
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, model.Event{Type: model.EventJobCreated, JobID: "job-1"}))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case got := <-sub.C():
			assert.Equal(t, "job-1", got.JobID)
		case <-time.After(time.Second):
			t.Fatal("event did not arrive")
		}
	}

	require.NoError(t, sub1.Close())

	// A closed subscription no longer receives; the other still does.
	require.NoError(t, b.Publish(ctx, model.Event{Type: model.EventJobCompleted, JobID: "job-2"}))
	select {
	case got := <-sub2.C():
		assert.Equal(t, "job-2", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("event did not arrive")
	}

	require.NoError(t, b.Close())
	_, open := <-sub2.C()
	assert.False(t, open)
}
