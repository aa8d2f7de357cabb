// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/queue"
)

func (o *Orchestrator) handleTaskCompleted(ctx context.Context, jobID, taskID string) error {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			o.logger.Warn().Str(log.FieldTaskID, taskID).Msg("completion for unknown task")
			return nil
		}
		return err
	}

	ok, err := o.store.AdvanceTaskStatus(ctx, taskID, model.TaskCompleted, model.TaskReady, model.TaskRunning)
	if err != nil {
		return err
	}
	if ok {
		if _, err := o.store.UpdateTask(ctx, taskID, func(task *model.Task) error {
			task.OutputURI = blob.TaskOutputPath(jobID, taskID)
			return nil
		}); err != nil {
			return err
		}
	}
	if err := o.flags.ClearWaiting(ctx, taskID); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("clearing wait marker failed")
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.dispatchReady(ctx, job); err != nil {
		return err
	}
	return o.checkJobDone(ctx, jobID)
}

func (o *Orchestrator) handleTaskFailed(ctx context.Context, jobID, taskID, errMsg string, reason model.ReasonCode) error {
	if reason == model.ReasonNone {
		reason = model.ReasonEngineError
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			o.logger.Warn().Str(log.FieldTaskID, taskID).Msg("failure for unknown task")
			return nil
		}
		return err
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	stage := queue.BaseStage(t.EngineID)

	// A task aborted for cancellation is terminal-cancelled, never retried.
	if reason == model.ReasonCancelled || job.Status == model.JobCancelling {
		if _, err := o.store.AdvanceTaskStatus(ctx, taskID, model.TaskCancelled,
			model.TaskPending, model.TaskReady, model.TaskRunning); err != nil {
			return err
		}
		if err := o.flags.ClearWaiting(ctx, taskID); err != nil {
			o.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("clearing wait marker failed")
		}
		return o.checkJobDone(ctx, jobID)
	}

	ok, err := o.store.FailTask(ctx, taskID, errMsg, reason,
		model.TaskRunning, model.TaskReady, model.TaskPending)
	if err != nil {
		return err
	}
	if !ok {
		// Already terminal; duplicate event.
		return o.checkJobDone(ctx, jobID)
	}
	if err := o.flags.ClearWaiting(ctx, taskID); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("clearing wait marker failed")
	}

	if reason.Retriable() {
		retries, retried, err := o.store.RetryTask(ctx, taskID)
		if err != nil {
			return err
		}
		if retried {
			metrics.TaskRetriesTotal.WithLabelValues(stage).Inc()
			o.logger.Info().
				Str(log.FieldTaskID, taskID).
				Str(log.FieldStage, stage).
				Str(log.FieldReason, string(reason)).
				Int("retries", retries).
				Msg("task re-dispatched")
			t, err = o.store.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			return o.publishTask(ctx, job, t)
		}
	}

	metrics.TaskFailuresTotal.WithLabelValues(stage, string(reason)).Inc()
	o.logger.Warn().
		Str(log.FieldJobID, jobID).
		Str(log.FieldTaskID, taskID).
		Str(log.FieldStage, stage).
		Str(log.FieldReason, string(reason)).
		Str("error", errMsg).
		Msg("task failed terminally")
	return o.afterTerminalFailure(ctx, jobID, taskID)
}

func (o *Orchestrator) handleWaitTimeout(ctx context.Context, jobID, taskID string) error {
	ok, err := o.store.FailTask(ctx, taskID, "no engine became available before the wait deadline",
		model.ReasonEngineUnavailable, model.TaskReady, model.TaskPending)
	if err != nil {
		return err
	}
	if err := o.flags.ClearWaiting(ctx, taskID); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("clearing wait marker failed")
	}
	if !ok {
		return nil
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err == nil {
		metrics.TaskFailuresTotal.
			WithLabelValues(queue.BaseStage(t.EngineID), string(model.ReasonEngineUnavailable)).Inc()
	}
	return o.afterTerminalFailure(ctx, jobID, taskID)
}

func (o *Orchestrator) handleCancelRequested(ctx context.Context, jobID string) error {
	ok, err := o.store.AdvanceJobStatus(ctx, jobID, model.JobCancelling,
		model.JobPending, model.JobRunning)
	if err != nil {
		return err
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok && job.Status != model.JobCancelling {
		// Terminal already; the API layer surfaced the conflict.
		o.logger.Debug().Str(log.FieldJobID, jobID).Msg("cancel request on terminal job ignored")
		return nil
	}

	if err := o.flags.SetJobCancelled(ctx, jobID); err != nil {
		return err
	}

	tasks, err := o.store.TasksByJob(ctx, jobID)
	if err != nil {
		return err
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

	// Running tasks drain on their own; their terminal events will close the
	// job. If nothing is running we can finalize right away.
	return o.checkJobDone(ctx, jobID)
}
