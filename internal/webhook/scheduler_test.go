// SPDX-License-Identifier: MIT

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

func setupScheduler(t *testing.T) (*store.Store, *blob.MemoryStore, *Scheduler) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "dalston.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs := blob.NewMemoryStore()
	s := NewScheduler(st, blobs, audit.NewLogger(st), Config{
		PollInterval:  50 * time.Millisecond,
		MaxConcurrent: 4,
		SendTimeout:   2 * time.Second,
		GlobalSecret:  "whsec_global",
	})
	return st, blobs, s
}

func createFinishedJob(t *testing.T, st *store.Store, status model.JobStatus, webhookURL string) *model.Job {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{
		ID:              uuid.NewString(),
		TenantID:        model.DefaultTenantID,
		Status:          status,
		AudioURI:        "s3://audio/in.wav",
		Parameters:      model.DefaultJobParameters(),
		WebhookURL:      webhookURL,
		WebhookMetadata: map[string]any{"order": "A-17"},
	}
	if status == model.JobFailed {
		job.Error = "engine exploded"
	}
	require.NoError(t, st.CreateJob(ctx, job))
	if status == model.JobCompleted {
		_, err := st.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.AudioDurationSeconds = 12.5
			return nil
		})
		require.NoError(t, err)
	}
	return job
}

func createEndpoint(t *testing.T, st *store.Store, url string, events ...string) *model.WebhookEndpoint {
	t.Helper()
	if len(events) == 0 {
		events = []string{"*"}
	}
	e := &model.WebhookEndpoint{
		ID:       uuid.NewString(),
		TenantID: model.DefaultTenantID,
		URL:      url,
		Events:   events,
		Secret:   "whsec_" + uuid.NewString(),
		IsActive: true,
	}
	require.NoError(t, st.CreateEndpoint(context.Background(), e))
	return e
}

func claimAll(t *testing.T, st *store.Store) []*model.WebhookDelivery {
	t.Helper()
	due, err := st.ClaimDueDeliveries(context.Background(), time.Now(), 100, time.Minute)
	require.NoError(t, err)
	return due
}

func TestNotifyJobFinished_FanOut(t *testing.T) {
	st, blobs, s := setupScheduler(t)
	ctx := context.Background()

	job := createFinishedJob(t, st, model.JobCompleted, "https://hooks.example.com/per-job")

	longText := strings.Repeat("ä", 600)
	transcript, _ := json.Marshal(map[string]any{"text": longText, "language": "de"})
	require.NoError(t, blobs.Put(ctx, blob.JobTranscriptPath(job.ID), transcript))

	createEndpoint(t, st, "https://hooks.example.com/a", EventTranscriptionCompleted)
	createEndpoint(t, st, "https://hooks.example.com/b", EventTranscriptionFailed) // not subscribed

	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))
	// A replayed terminal event must not duplicate deliveries.
	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))

	due := claimAll(t, st)
	require.Len(t, due, 2)

	var p eventPayload
	require.NoError(t, json.Unmarshal(due[0].Payload, &p))
	assert.Equal(t, EventTranscriptionCompleted, p.Event)
	assert.Equal(t, job.ID, p.TranscriptionID)
	assert.Equal(t, "completed", p.Status)
	assert.Equal(t, 12.5, p.Duration)
	assert.Equal(t, map[string]any{"order": "A-17"}, p.WebhookMetadata)
	assert.Len(t, []rune(p.Text), maxPayloadTextChars)

	overrides := 0
	for _, d := range due {
		assert.Equal(t, EventTranscriptionCompleted, d.EventType)
		if d.URLOverride != "" {
			overrides++
			assert.Equal(t, "https://hooks.example.com/per-job", d.URLOverride)
		}
	}
	assert.Equal(t, 1, overrides)
}

func TestNotifyJobFinished_FailedJobCarriesError(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	job := createFinishedJob(t, st, model.JobFailed, "https://hooks.example.com/per-job")
	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))

	due := claimAll(t, st)
	require.Len(t, due, 1)

	var p eventPayload
	require.NoError(t, json.Unmarshal(due[0].Payload, &p))
	assert.Equal(t, EventTranscriptionFailed, p.Event)
	assert.Equal(t, "failed", p.Status)
	assert.Equal(t, "engine exploded", p.Error)
	assert.Empty(t, p.Text)
}

func TestNotifyJobFinished_NonTerminalIsSkipped(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	job := createFinishedJob(t, st, model.JobRunning, "https://hooks.example.com/per-job")
	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))
	assert.Empty(t, claimAll(t, st))
}

func TestDeliver_SuccessRoundTrip(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Dalston-Signature")
		gotTS = r.Header.Get("X-Dalston-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := createFinishedJob(t, st, model.JobCompleted, "")
	e := createEndpoint(t, st, srv.URL)
	_, err := st.RecordEndpointFailure(ctx, e.ID) // stale failure, must reset
	require.NoError(t, err)

	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))
	due := claimAll(t, st)
	require.Len(t, due, 1)

	s.deliver(ctx, due[0])

	d, err := st.GetDelivery(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusOK, d.LastStatusCode)
	assert.Nil(t, d.NextRetryAt)

	// The receiver can verify the signature with the endpoint's own secret.
	assert.Equal(t, Sign(e.Secret, gotTS, gotBody), gotSig)

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	require.NotNil(t, got.LastSuccessAt)
}

func TestDeliver_DisabledEndpointDropped(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	job := createFinishedJob(t, st, model.JobCompleted, "")
	e := createEndpoint(t, st, "https://hooks.example.com/hook")

	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))
	due := claimAll(t, st)
	require.Len(t, due, 1)

	// Disabled between scheduling and send.
	require.NoError(t, st.DisableEndpoint(ctx, e.ID, "operator request"))

	s.deliver(ctx, due[0])

	d, err := st.GetDelivery(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Contains(t, d.LastError, "endpoint disabled")
}

func TestDeliver_BlockedTargetDropped(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	job := createFinishedJob(t, st, model.JobCompleted, "http://169.254.169.254/latest")
	require.NoError(t, s.NotifyJobFinished(ctx, job.ID))
	due := claimAll(t, st)
	require.Len(t, due, 1)

	s.deliver(ctx, due[0])

	d, err := st.GetDelivery(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)
}

func TestFail_RetryLadder(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	job := createFinishedJob(t, st, model.JobCompleted, "https://hooks.example.com/per-job")
	d, err := st.CreateDelivery(ctx, &model.WebhookDelivery{
		ID:          uuid.NewString(),
		URLOverride: job.WebhookURL,
		JobID:       job.ID,
		EventType:   EventTranscriptionCompleted,
		Payload:     []byte(`{}`),
	})
	require.NoError(t, err)

	for attempt := 1; attempt < s.cfg.MaxAttempts; attempt++ {
		s.fail(ctx, d, http.StatusBadGateway, "receiver returned 502", false)

		d, err = st.GetDelivery(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryPending, d.Status)
		assert.Equal(t, attempt, d.Attempts)
		assert.Equal(t, http.StatusBadGateway, d.LastStatusCode)
		require.NotNil(t, d.NextRetryAt)
		assert.WithinDuration(t, time.Now().Add(retryDelays[attempt]), *d.NextRetryAt, 5*time.Second)
	}

	// The final attempt exhausts the ladder.
	s.fail(ctx, d, 0, "connection refused", false)
	d, err = st.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, s.cfg.MaxAttempts, d.Attempts)
	assert.Nil(t, d.NextRetryAt)
	assert.Contains(t, d.LastError, "connection refused")
}

func TestRecordEndpointFailure_AutoDisables(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	e := createEndpoint(t, st, "https://hooks.example.com/dead")
	for i := 0; i < autoDisableFailures; i++ {
		s.recordEndpointFailure(ctx, e.ID)
	}

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, autoDisableReason, got.DisabledReason)
	assert.GreaterOrEqual(t, got.ConsecutiveFailures, autoDisableFailures)
}

func TestRecordEndpointFailure_RecentSuccessHoldsDisable(t *testing.T) {
	st, _, s := setupScheduler(t)
	ctx := context.Background()

	e := createEndpoint(t, st, "https://hooks.example.com/flaky")
	require.NoError(t, st.RecordEndpointSuccess(ctx, e.ID, time.Now().Add(-time.Hour)))

	for i := 0; i < autoDisableFailures+2; i++ {
		s.recordEndpointFailure(ctx, e.ID)
	}

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Empty(t, got.DisabledReason)
}
