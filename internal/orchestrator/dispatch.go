// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/queue"
)

// taskInput is the descriptor engines read from the blob store before
// starting work.
type taskInput struct {
	JobID             string              `json:"job_id"`
	TaskID            string              `json:"task_id"`
	Stage             string              `json:"stage"`
	AudioURI          string              `json:"audio_uri"`
	Parameters        model.JobParameters `json:"parameters"`
	Config            map[string]any      `json:"config"`
	DependencyOutputs map[string]string   `json:"dependency_outputs,omitempty"`
}

func (o *Orchestrator) handleJobCreated(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if _, err := o.store.AdvanceJobStatus(ctx, jobID, model.JobRunning, model.JobPending); err != nil {
		return err
	}

	tasks, err := o.store.TasksByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		specs := Plan(job.Parameters)
		tasks = Materialize(jobID, specs, o.cfg.TaskMaxRetries)
		if err := o.store.InsertTasks(ctx, tasks); err != nil {
			return fmt.Errorf("materialize plan for job %s: %w", jobID, err)
		}
		o.logger.Info().
			Str(log.FieldJobID, jobID).
			Int("tasks", len(tasks)).
			Msg("task plan materialized")
	}
	return o.dispatchReady(ctx, job)
}

// dispatchReady moves every dependency-satisfied pending task into ready and
// hands it to the queue. Called after planning and after every task
// completion.
func (o *Orchestrator) dispatchReady(ctx context.Context, job *model.Job) error {
	if job.Status.IsTerminal() || job.Status == model.JobCancelling {
		return nil
	}
	tasks, err := o.store.TasksByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.Status != model.TaskPending || !depsSatisfied(t, byID) {
			continue
		}
		if err := o.writeInputDescriptor(ctx, job, t, byID); err != nil {
			return err
		}
		ok, err := o.store.AdvanceTaskStatus(ctx, t.ID, model.TaskReady, model.TaskPending)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := o.publishTask(ctx, job, t); err != nil {
			return err
		}
	}
	return nil
}

// depsSatisfied extends the status check with the required flag: a failed
// optional task counts as skipped for its dependents.
func depsSatisfied(t *model.Task, byID map[string]*model.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return false
		}
		if d.Status.SatisfiesDependency() {
			continue
		}
		if d.Status == model.TaskFailed && !d.Required {
			continue
		}
		return false
	}
	return true
}

// writeInputDescriptor persists input.json before the task becomes ready, so
// an engine that claims the message instantly still finds its input.
func (o *Orchestrator) writeInputDescriptor(ctx context.Context, job *model.Job, t *model.Task, byID map[string]*model.Task) error {
	depOutputs := make(map[string]string, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if d, ok := byID[dep]; ok {
			depOutputs[d.Stage] = blob.TaskOutputPath(job.ID, d.ID)
		}
	}
	payload, err := json.Marshal(taskInput{
		JobID:             job.ID,
		TaskID:            t.ID,
		Stage:             t.Stage,
		AudioURI:          job.AudioURI,
		Parameters:        job.Parameters,
		Config:            t.Config,
		DependencyOutputs: depOutputs,
	})
	if err != nil {
		return fmt.Errorf("marshal input for task %s: %w", t.ID, err)
	}
	key := blob.TaskInputPath(job.ID, t.ID)
	if err := o.blobs.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("write input descriptor %s: %w", key, err)
	}
	if _, err := o.store.UpdateTask(ctx, t.ID, func(task *model.Task) error {
		task.InputURI = key
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// publishTask pushes a ready task onto its stage stream, honoring the
// engine-availability policy when no live consumer exists.
func (o *Orchestrator) publishTask(ctx context.Context, job *model.Job, t *model.Task) error {
	stage := queue.BaseStage(t.EngineID)
	alive, err := o.registry.EngineAlive(ctx, stage, o.cfg.HeartbeatTimeout)
	if err != nil {
		return err
	}

	if !alive && o.cfg.engineUnavailable(ctx) == config.EngineFailFast {
		errMsg := fmt.Sprintf("no live engine for stage %q", stage)
		ok, err := o.store.FailTask(ctx, t.ID, errMsg, model.ReasonEngineUnavailable, model.TaskReady, model.TaskPending)
		if err != nil {
			return err
		}
		if ok {
			metrics.TaskFailuresTotal.WithLabelValues(stage, string(model.ReasonEngineUnavailable)).Inc()
			o.logger.Warn().
				Str(log.FieldJobID, job.ID).
				Str(log.FieldTaskID, t.ID).
				Str(log.FieldStage, stage).
				Msg("dispatch failed fast: engine unavailable")
			return o.afterTerminalFailure(ctx, job.ID, t.ID)
		}
		return nil
	}

	msgID, err := o.queue.Publish(ctx, t.EngineID, t.ID, job.ID, o.cfg.TaskTimeout)
	if err != nil {
		return err
	}
	if _, err := o.store.UpdateTask(ctx, t.ID, func(task *model.Task) error {
		task.MessageID = msgID
		return nil
	}); err != nil {
		return err
	}
	metrics.TasksDispatchedTotal.WithLabelValues(stage).Inc()

	if !alive {
		// wait mode: the message sits in the stream; the recovery scanner
		// enforces the deadline.
		marker := flags.WaitMarker{
			TaskID:          t.ID,
			JobID:           job.ID,
			EngineID:        stage,
			StreamMessageID: msgID,
			WaitDeadlineAt:  time.Now().Add(o.cfg.EngineWaitTimeout),
		}
		if err := o.flags.AddWaiting(ctx, marker); err != nil {
			return err
		}
		o.logger.Info().
			Str(log.FieldTaskID, t.ID).
			Str(log.FieldStage, stage).
			Time("wait_deadline", marker.WaitDeadlineAt).
			Msg("task waiting for engine")
	}
	return nil
}
