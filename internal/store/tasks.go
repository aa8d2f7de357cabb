// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

const taskColumns = `id, job_id, stage, engine_id, status, dependencies_json,
	config_json, input_uri, output_uri, message_id, retries, max_retries,
	required, error, reason, created_at_ms, updated_at_ms, started_at_ms,
	completed_at_ms`

// InsertTasks writes a job's full task list in one transaction. Called once
// per job when the orchestrator materializes the DAG.
func (s *Store) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, t := range tasks {
		depsJSON, _ := json.Marshal(t.Dependencies)
		cfgJSON, _ := json.Marshal(t.Config)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, job_id, stage, engine_id, status, dependencies_json,
				config_json, input_uri, output_uri, message_id, retries, max_retries,
				required, error, reason, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.JobID, t.Stage, t.EngineID, t.Status, depsJSON,
			cfgJSON, nullStr(t.InputURI), nullStr(t.OutputURI), nullStr(t.MessageID),
			t.Retries, t.MaxRetries, boolToInt(t.Required),
			nullStr(t.Error), nullStr(string(t.Reason)), now, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTask loads one task; returns model.ErrNotFound when missing.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotFound, id)
	}
	return t, nil
}

// TasksByJob returns every task of a job, creation order.
func (s *Store) TasksByJob(ctx context.Context, jobID string) ([]*model.Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at_ms, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AdvanceTaskStatus performs a conditional task state transition guarded on
// the current status. Returns false when the guard does not match.
func (s *Store) AdvanceTaskStatus(ctx context.Context, id string, to model.TaskStatus, from ...model.TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("store: AdvanceTaskStatus requires at least one guard status")
	}
	placeholders := strings.Repeat("?,", len(from))
	query := `UPDATE tasks SET status = ?, updated_at_ms = ?`
	args := []any{to, time.Now().UnixMilli()}

	now := time.Now().UnixMilli()
	if to == model.TaskRunning {
		query += `, started_at_ms = COALESCE(started_at_ms, ?)`
		args = append(args, now)
	}
	if to.IsTerminal() {
		query += `, completed_at_ms = COALESCE(completed_at_ms, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status IN (` + placeholders[:len(placeholders)-1] + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailTask conditionally marks a task failed with an error and reason,
// guarded on the given prior statuses. Idempotent under replays.
func (s *Store) FailTask(ctx context.Context, id, errMsg string, reason model.ReasonCode, from ...model.TaskStatus) (bool, error) {
	if len(from) == 0 {
		from = []model.TaskStatus{model.TaskRunning}
	}
	placeholders := strings.Repeat("?,", len(from))
	query := `UPDATE tasks SET status = ?, error = ?, reason = ?, updated_at_ms = ?,
		completed_at_ms = COALESCE(completed_at_ms, ?)
		WHERE id = ? AND status IN (` + placeholders[:len(placeholders)-1] + `)`
	now := time.Now().UnixMilli()
	args := []any{model.TaskFailed, errMsg, string(reason), now, now, id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetryTask atomically re-arms a failed task: failed -> ready with the retry
// counter bumped, only while budget remains. Returns the new retry count.
func (s *Store) RetryTask(ctx context.Context, id string) (int, bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retries = retries + 1, error = NULL, reason = NULL,
			completed_at_ms = NULL, updated_at_ms = ?
		WHERE id = ? AND status = ? AND retries < max_retries`,
		model.TaskReady, time.Now().UnixMilli(), id, model.TaskFailed)
	if err != nil {
		return 0, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, false, nil
	}
	var retries int
	err = s.DB.QueryRowContext(ctx, `SELECT retries FROM tasks WHERE id = ?`, id).Scan(&retries)
	return retries, true, err
}

// UpdateTask loads the row in a transaction, applies fn and writes it back.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotFound, id)
	}

	if err := fn(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now()

	depsJSON, _ := json.Marshal(t.Dependencies)
	cfgJSON, _ := json.Marshal(t.Config)
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET stage = ?, engine_id = ?, status = ?, dependencies_json = ?,
			config_json = ?, input_uri = ?, output_uri = ?, message_id = ?, retries = ?,
			max_retries = ?, required = ?, error = ?, reason = ?, updated_at_ms = ?,
			started_at_ms = ?, completed_at_ms = ?
		WHERE id = ?`,
		t.Stage, t.EngineID, t.Status, depsJSON,
		cfgJSON, nullStr(t.InputURI), nullStr(t.OutputURI), nullStr(t.MessageID),
		t.Retries, t.MaxRetries,
		boolToInt(t.Required), nullStr(t.Error), nullStr(string(t.Reason)),
		t.UpdatedAt.UnixMilli(), timePtrToMs(t.StartedAt), timePtrToMs(t.CompletedAt),
		t.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*model.Task, error) {
	var t model.Task
	var depsJSON, cfgJSON []byte
	var inputURI, outputURI, messageID, errStr, reason sql.NullString
	var required int
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	err := scanner.Scan(
		&t.ID, &t.JobID, &t.Stage, &t.EngineID, &t.Status, &depsJSON,
		&cfgJSON, &inputURI, &outputURI, &messageID, &t.Retries, &t.MaxRetries,
		&required, &errStr, &reason, &createdAt, &updatedAt, &startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	_ = json.Unmarshal(depsJSON, &t.Dependencies)
	_ = json.Unmarshal(cfgJSON, &t.Config)
	t.InputURI = inputURI.String
	t.OutputURI = outputURI.String
	t.MessageID = messageID.String
	t.Required = required != 0
	t.Error = errStr.String
	t.Reason = model.ReasonCode(reason.String)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	t.StartedAt = msToTimePtr(startedAt)
	t.CompletedAt = msToTimePtr(completedAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
