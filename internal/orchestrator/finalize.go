// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
)

// mergeOutput is the stat block the merge engine leaves in its output.json.
type mergeOutput struct {
	LanguageCode    string  `json:"language_code"`
	DurationSeconds float64 `json:"duration_seconds"`
	WordCount       int     `json:"word_count"`
	SegmentCount    int     `json:"segment_count"`
	SpeakerCount    *int    `json:"speaker_count"`
	CharacterCount  int     `json:"character_count"`
}

// afterTerminalFailure closes out the job when a required task just failed;
// optional failures only unblock dependents.
func (o *Orchestrator) afterTerminalFailure(ctx context.Context, jobID, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Required {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := o.dispatchReady(ctx, job); err != nil {
			return err
		}
		return o.checkJobDone(ctx, jobID)
	}
	return o.failJob(ctx, jobID)
}

// failJob marks the job failed with a rolled-up error, withdraws every task
// that has not started, and publishes the terminal event. Running tasks are
// left to drain; their events hit terminal guards and no-op.
func (o *Orchestrator) failJob(ctx context.Context, jobID string) error {
	ok, err := o.store.AdvanceJobStatus(ctx, jobID, model.JobFailed,
		model.JobPending, model.JobRunning, model.JobCancelling)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	tasks, err := o.store.TasksByJob(ctx, jobID)
	if err != nil {
		return err
	}
	var errParts []string
	for _, t := range tasks {
		if t.Status == model.TaskFailed && t.Error != "" {
			errParts = append(errParts, t.Stage+": "+t.Error)
		}
	}
	for _, t := range tasks {
		if t.Status != model.TaskPending && t.Status != model.TaskReady {
			continue
		}
		ok, err := o.store.AdvanceTaskStatus(ctx, t.ID, model.TaskCancelled,
			model.TaskPending, model.TaskReady)
		if err != nil {
			return err
		}
		if ok {
			o.withdrawQueued(ctx, t)
		}
		if err := o.flags.ClearWaiting(ctx, t.ID); err != nil {
			o.logger.Warn().Err(err).Str(log.FieldTaskID, t.ID).Msg("clearing wait marker failed")
		}
	}

	now := time.Now()
	job, err := o.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
		j.Error = strings.Join(errParts, "; ")
		return nil
	})
	if err != nil {
		return err
	}

	o.finishJob(ctx, job, model.EventJobFailed, now)
	return nil
}

// withdrawQueued removes a just-cancelled task's queued message so an idle
// engine cannot pick up work for a job that is already closing. Best-effort:
// a message claimed in the race drains through the normal terminal guards.
func (o *Orchestrator) withdrawQueued(ctx context.Context, t *model.Task) {
	if t.MessageID == "" {
		return
	}
	if err := o.queue.Delete(ctx, t.EngineID, t.MessageID); err != nil {
		o.logger.Warn().Err(err).
			Str(log.FieldTaskID, t.ID).
			Str(log.FieldMessageID, t.MessageID).
			Msg("withdrawing queued message failed")
	}
}

// checkJobDone finalizes the job once every task is terminal.
func (o *Orchestrator) checkJobDone(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	tasks, err := o.store.TasksByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return nil
		}
	}

	if job.Status == model.JobCancelling {
		return o.finalizeCancelled(ctx, job)
	}
	for _, t := range tasks {
		if t.Required && t.Status == model.TaskFailed {
			return o.failJob(ctx, jobID)
		}
		if t.Required && t.Status == model.TaskCancelled {
			// Required work was withdrawn outside an explicit cancel; the
			// job cannot complete.
			return o.failJob(ctx, jobID)
		}
	}
	return o.finalizeCompleted(ctx, job, tasks)
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	ok, err := o.store.AdvanceJobStatus(ctx, job.ID, model.JobCompleted, model.JobRunning)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	now := time.Now()

	stats, raw := o.readMergeOutput(ctx, job.ID, tasks)
	job, err = o.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if stats != nil {
			j.AudioDurationSeconds = stats.DurationSeconds
			j.ResultLanguageCode = stats.LanguageCode
			j.ResultWordCount = stats.WordCount
			j.ResultSegmentCount = stats.SegmentCount
			j.ResultSpeakerCount = stats.SpeakerCount
			j.ResultCharacterCount = stats.CharacterCount
		}
		return nil
	})
	if err != nil {
		return err
	}

	if raw != nil {
		if err := o.blobs.Put(ctx, blob.JobTranscriptPath(job.ID), raw); err != nil {
			o.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("writing final transcript failed")
		}
	}

	o.finishJob(ctx, job, model.EventJobCompleted, now)
	o.logger.Info().
		Str(log.FieldJobID, job.ID).
		Int("tasks", len(tasks)).
		Msg("job completed")
	return nil
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, job *model.Job) error {
	ok, err := o.store.AdvanceJobStatus(ctx, job.ID, model.JobCancelled, model.JobCancelling)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	now := time.Now()

	// Cancelled is a clean outcome: no error on the job.
	job, err = o.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		j.Error = ""
		return nil
	})
	if err != nil {
		return err
	}

	o.finishJob(ctx, job, model.EventJobCompleted, now)
	o.logger.Info().Str(log.FieldJobID, job.ID).Msg("job cancelled")
	return nil
}

// finishJob runs the shared terminal tail: retention, bus event, webhook
// scheduling, metrics. Failures here are logged, never unwound; the job is
// already terminal in the store.
func (o *Orchestrator) finishJob(ctx context.Context, job *model.Job, event model.EventType, completedAt time.Time) {
	if o.retention != nil {
		if err := o.retention.FinalizeJob(ctx, job, completedAt); err != nil {
			o.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("retention finalize failed")
		}
	}
	if err := o.bus.Publish(ctx, model.Event{Type: event, JobID: job.ID, Error: job.Error}); err != nil {
		o.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("publishing terminal event failed")
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyJobFinished(ctx, job.ID); err != nil {
			o.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("scheduling webhook deliveries failed")
		}
	}
	metrics.RecordJobFinished(string(job.Status), completedAt.Sub(job.CreatedAt).Seconds())
}

// readMergeOutput loads the merge task's output.json. A missing or
// malformed output leaves the stats empty rather than failing the job.
func (o *Orchestrator) readMergeOutput(ctx context.Context, jobID string, tasks []*model.Task) (*mergeOutput, []byte) {
	var mergeTask *model.Task
	for _, t := range tasks {
		if t.Stage == "merge" {
			mergeTask = t
			break
		}
	}
	if mergeTask == nil {
		return nil, nil
	}
	raw, err := o.blobs.Get(ctx, blob.TaskOutputPath(jobID, mergeTask.ID))
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			o.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("reading merge output failed")
		}
		return nil, nil
	}
	var out mergeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("merge output not parseable")
		return nil, raw
	}
	return &out, raw
}
