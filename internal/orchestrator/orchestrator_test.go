// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/queue"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

type notifierStub struct {
	mu   sync.Mutex
	jobs []string
}

func (n *notifierStub) NotifyJobFinished(_ context.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, jobID)
	return nil
}

func (n *notifierStub) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.jobs...)
}

type retentionStub struct{}

func (retentionStub) FinalizeJob(context.Context, *model.Job, time.Time) error { return nil }

type fixture struct {
	store    *store.Store
	queue    *queue.Queue
	bus      *bus.MemoryBus
	blobs    *blob.MemoryStore
	flags    *flags.Flags
	registry *registry.Registry
	notifier *notifierStub
	orc      *Orchestrator
}

func setupOrchestrator(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.New(filepath.Join(t.TempDir(), "dalston.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:    st,
		queue:    queue.New(client),
		bus:      bus.NewMemory(),
		blobs:    blob.NewMemoryStore(),
		flags:    flags.New(client, time.Hour),
		registry: registry.New(client),
		notifier: &notifierStub{},
	}
	f.orc = New(st, f.queue, f.bus, f.blobs, f.flags, f.registry, retentionStub{}, f.notifier, cfg)
	return f
}

func waitConfig() Config {
	return Config{
		EngineUnavailable: config.EngineWait,
		EngineWaitTimeout: 5 * time.Minute,
		TaskTimeout:       30 * time.Minute,
		TaskMaxRetries:    1,
		HeartbeatTimeout:  30 * time.Second,
	}
}

func createJob(t *testing.T, f *fixture, params model.JobParameters) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:         "job-" + t.Name(),
		TenantID:   model.DefaultTenantID,
		Status:     model.JobPending,
		AudioURI:   "blob://jobs/audio.wav",
		Parameters: params,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func taskByStage(t *testing.T, f *fixture, jobID, stage string) *model.Task {
	t.Helper()
	tasks, err := f.store.TasksByJob(context.Background(), jobID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Stage == stage {
			return task
		}
	}
	t.Fatalf("no task for stage %q", stage)
	return nil
}

func completeStage(t *testing.T, f *fixture, jobID, stage string) {
	t.Helper()
	task := taskByStage(t, f, jobID, stage)
	f.orc.Handle(context.Background(), model.Event{
		Type:   model.EventTaskCompleted,
		JobID:  jobID,
		TaskID: task.ID,
	})
}

func TestOrchestrator_JobCreatedPlansAndDispatches(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)

	tasks, err := f.store.TasksByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	// Only the root of the DAG is dispatchable.
	assert.Equal(t, model.TaskReady, taskByStage(t, f, job.ID, "prepare").Status)
	assert.Equal(t, model.TaskPending, taskByStage(t, f, job.ID, "transcribe").Status)

	// The root task landed on its stage stream.
	msg, err := f.queue.ClaimNext(ctx, "prepare", "engine-test", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, taskByStage(t, f, job.ID, "prepare").ID, msg.TaskID)

	// An input descriptor was written for the dispatched task.
	prepare := taskByStage(t, f, job.ID, "prepare")
	require.NotEmpty(t, prepare.InputURI)
	raw, err := f.blobs.Get(ctx, prepare.InputURI)
	require.NoError(t, err)
	var input map[string]any
	require.NoError(t, json.Unmarshal(raw, &input))
	assert.Equal(t, job.ID, input["job_id"])
	assert.Equal(t, "blob://jobs/audio.wav", input["audio_uri"])
}

func TestOrchestrator_JobCreatedReplayIsIdempotent(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})
	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	tasks, err := f.store.TasksByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

func TestOrchestrator_CompletionCascadeFinishesJob(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	completeStage(t, f, job.ID, "prepare")
	assert.Equal(t, model.TaskReady, taskByStage(t, f, job.ID, "transcribe").Status)

	completeStage(t, f, job.ID, "transcribe")
	assert.Equal(t, model.TaskReady, taskByStage(t, f, job.ID, "align").Status)

	completeStage(t, f, job.ID, "align")
	merge := taskByStage(t, f, job.ID, "merge")
	assert.Equal(t, model.TaskReady, merge.Status)

	// Engine writes the merge output before reporting completion.
	out := map[string]any{
		"text":             "hello world",
		"language_code":    "en",
		"duration_seconds": 42.5,
		"word_count":       2,
		"segment_count":    1,
	}
	raw, _ := json.Marshal(out)
	require.NoError(t, f.blobs.Put(ctx, blob.TaskOutputPath(job.ID, merge.ID), raw))
	completeStage(t, f, job.ID, "merge")

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "en", got.ResultLanguageCode)
	assert.InDelta(t, 42.5, got.AudioDurationSeconds, 0.001)
	assert.Equal(t, 2, got.ResultWordCount)

	// The merged document was promoted to the job transcript.
	transcript, err := f.blobs.Get(ctx, blob.JobTranscriptPath(job.ID))
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(transcript))

	assert.Equal(t, []string{job.ID}, f.notifier.notified())
}

func TestOrchestrator_CancelRequested(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})
	f.orc.Handle(ctx, model.Event{Type: model.EventJobCancelRequested, JobID: job.ID})

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	tasks, err := f.store.TasksByJob(ctx, job.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, model.TaskCancelled, task.Status, "stage %s", task.Stage)
	}

	cancelled, err := f.flags.IsJobCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestOrchestrator_CancelWithdrawsQueuedMessages(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	// Dispatch recorded the stream message on the task row.
	prepare := taskByStage(t, f, job.ID, "prepare")
	require.NotEmpty(t, prepare.MessageID)

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCancelRequested, JobID: job.ID})

	// The queued message was withdrawn; a late engine finds nothing.
	msg, err := f.queue.ClaimNext(ctx, "prepare", "engine-late", 0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestOrchestrator_RetriableFailureRedispatches(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})
	prepare := taskByStage(t, f, job.ID, "prepare")

	f.orc.Handle(ctx, model.Event{
		Type:   model.EventTaskFailed,
		JobID:  job.ID,
		TaskID: prepare.ID,
		Error:  "engine crashed",
		Reason: string(model.ReasonEngineError),
	})

	// One retry budgeted: the task went back to ready and was republished.
	after := taskByStage(t, f, job.ID, "prepare")
	assert.Equal(t, model.TaskReady, after.Status)
	assert.Equal(t, 1, after.Retries)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)

	// Second failure exhausts the budget and fails the job.
	f.orc.Handle(ctx, model.Event{
		Type:   model.EventTaskFailed,
		JobID:  job.ID,
		TaskID: prepare.ID,
		Error:  "engine crashed again",
		Reason: string(model.ReasonEngineError),
	})

	got, err = f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.Error, "prepare")
	assert.Equal(t, []string{job.ID}, f.notifier.notified())
}

func TestOrchestrator_FailFastWithoutEngine(t *testing.T) {
	cfg := waitConfig()
	cfg.EngineUnavailable = config.EngineFailFast
	f := setupOrchestrator(t, cfg)
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)

	prepare := taskByStage(t, f, job.ID, "prepare")
	assert.Equal(t, model.TaskFailed, prepare.Status)
	assert.Equal(t, model.ReasonEngineUnavailable, prepare.Reason)
}

func TestOrchestrator_WaitModeParksTask(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	// No engine registered: the message is published anyway and a wait
	// marker records the deadline.
	markers, err := f.flags.WaitingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, taskByStage(t, f, job.ID, "prepare").ID, markers[0].TaskID)
	assert.Equal(t, "prepare", markers[0].EngineID)
	assert.NotEmpty(t, markers[0].StreamMessageID)
	assert.True(t, markers[0].WaitDeadlineAt.After(time.Now()))
}

func TestOrchestrator_WaitTimeoutFailsTask(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})
	prepare := taskByStage(t, f, job.ID, "prepare")

	f.orc.Handle(ctx, model.Event{
		Type:     model.EventTaskWaitTimeout,
		JobID:    job.ID,
		TaskID:   prepare.ID,
		EngineID: "prepare",
	})

	after := taskByStage(t, f, job.ID, "prepare")
	assert.Equal(t, model.TaskFailed, after.Status)
	assert.Equal(t, model.ReasonEngineUnavailable, after.Reason)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
}

func TestOrchestrator_OptionalTaskFailureDoesNotFailJob(t *testing.T) {
	f := setupOrchestrator(t, waitConfig())
	ctx := context.Background()
	job := createJob(t, f, model.DefaultJobParameters())

	f.orc.Handle(ctx, model.Event{Type: model.EventJobCreated, JobID: job.ID})

	// Demote align to optional, then fail it terminally.
	align := taskByStage(t, f, job.ID, "align")
	_, err := f.store.DB.ExecContext(ctx, `UPDATE tasks SET required = 0, max_retries = 0 WHERE id = ?`, align.ID)
	require.NoError(t, err)

	completeStage(t, f, job.ID, "prepare")
	completeStage(t, f, job.ID, "transcribe")

	f.orc.Handle(ctx, model.Event{
		Type:   model.EventTaskFailed,
		JobID:  job.ID,
		TaskID: align.ID,
		Error:  "aligner oom",
		Reason: string(model.ReasonEngineError),
	})

	// Job survives; merge is blocked on align which terminally failed, but
	// failed optional dependencies do not satisfy the merge dependency,
	// leaving merge pending until its deps resolve.
	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
}
