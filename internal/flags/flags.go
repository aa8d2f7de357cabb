// SPDX-License-Identifier: MIT

// Package flags holds the one-shot coordination keys shared between the
// control plane and the engine fleet: cancellation flags engines poll to
// self-abort, and the waiting-for-engine markers the recovery scanner
// enforces deadlines on.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
)

const (
	cancelPrefix     = "JOB_CANCELLED:"
	waitingSetKey    = "WAITING_ENGINE_TASKS"
	waitingKeyPrefix = "WAITING_ENGINE_TASK:"
)

// Flags is the Redis-backed flag store.
type Flags struct {
	rdb       redis.UniversalClient
	cancelTTL time.Duration
	logger    zerolog.Logger
}

// New wraps an existing Redis client. cancelTTL bounds how long a
// cancellation flag outlives the job; engines that poll after expiry have
// long since seen the terminal state in the database.
func New(rdb redis.UniversalClient, cancelTTL time.Duration) *Flags {
	return &Flags{
		rdb:       rdb,
		cancelTTL: cancelTTL,
		logger:    log.WithComponent("flags"),
	}
}

// SetJobCancelled raises the cancellation flag for a job.
func (f *Flags) SetJobCancelled(ctx context.Context, jobID string) error {
	if err := f.rdb.Set(ctx, cancelPrefix+jobID, "1", f.cancelTTL).Err(); err != nil {
		return fmt.Errorf("flags: set cancel flag for job %s: %w", jobID, err)
	}
	return nil
}

// IsJobCancelled reports whether the cancellation flag is raised.
func (f *Flags) IsJobCancelled(ctx context.Context, jobID string) (bool, error) {
	_, err := f.rdb.Get(ctx, cancelPrefix+jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("flags: read cancel flag for job %s: %w", jobID, err)
	}
	return true, nil
}

// ClearJobCancelled drops the flag early. Expiry handles the normal path.
func (f *Flags) ClearJobCancelled(ctx context.Context, jobID string) error {
	return f.rdb.Del(ctx, cancelPrefix+jobID).Err()
}

// WaitMarker records one dispatched-but-unconsumed task waiting for an
// engine to appear.
type WaitMarker struct {
	TaskID          string    `json:"task_id"`
	JobID           string    `json:"job_id"`
	EngineID        string    `json:"engine_id"`
	StreamMessageID string    `json:"stream_message_id"`
	WaitDeadlineAt  time.Time `json:"wait_deadline_at"`
}

// AddWaiting registers a task in the waiting set with its deadline marker.
func (f *Flags) AddWaiting(ctx context.Context, m WaitMarker) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("flags: marshal wait marker: %w", err)
	}
	pipe := f.rdb.TxPipeline()
	pipe.SAdd(ctx, waitingSetKey, m.TaskID)
	pipe.Set(ctx, waitingKeyPrefix+m.TaskID, payload, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flags: add waiting task %s: %w", m.TaskID, err)
	}
	return nil
}

// WaitingTasks returns all current wait markers. Set members whose marker
// key has vanished are pruned in passing.
func (f *Flags) WaitingTasks(ctx context.Context) ([]WaitMarker, error) {
	ids, err := f.rdb.SMembers(ctx, waitingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("flags: list waiting tasks: %w", err)
	}
	out := make([]WaitMarker, 0, len(ids))
	for _, id := range ids {
		raw, err := f.rdb.Get(ctx, waitingKeyPrefix+id).Bytes()
		if err == redis.Nil {
			_ = f.rdb.SRem(ctx, waitingSetKey, id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("flags: read wait marker %s: %w", id, err)
		}
		var m WaitMarker
		if err := json.Unmarshal(raw, &m); err != nil {
			f.logger.Warn().Err(err).Str(log.FieldTaskID, id).Msg("dropping malformed wait marker")
			_ = f.clearWaiting(ctx, id)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ClearWaiting removes a task's waiting markers. Idempotent.
func (f *Flags) ClearWaiting(ctx context.Context, taskID string) error {
	return f.clearWaiting(ctx, taskID)
}

func (f *Flags) clearWaiting(ctx context.Context, taskID string) error {
	pipe := f.rdb.TxPipeline()
	pipe.SRem(ctx, waitingSetKey, taskID)
	pipe.Del(ctx, waitingKeyPrefix+taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flags: clear waiting task %s: %w", taskID, err)
	}
	return nil
}
