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

const jobColumns = `id, tenant_id, status, audio_uri, parameters_json, webhook_url,
	webhook_metadata_json, error, retention_policy_id, audio_duration_seconds,
	result_language_code, result_word_count, result_segment_count,
	result_speaker_count, result_character_count, purge_after_ms, purged_at_ms,
	created_at_ms, updated_at_ms, started_at_ms, completed_at_ms`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	paramsJSON, err := json.Marshal(j.Parameters)
	if err != nil {
		return fmt.Errorf("store: marshal parameters: %w", err)
	}
	metaJSON, err := json.Marshal(j.WebhookMetadata)
	if err != nil {
		return fmt.Errorf("store: marshal webhook metadata: %w", err)
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, status, audio_uri, parameters_json,
			webhook_url, webhook_metadata_json, error, retention_policy_id,
			purge_after_ms, purged_at_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.Status, j.AudioURI, paramsJSON,
		nullStr(j.WebhookURL), metaJSON, nullStr(j.Error), nullStr(j.RetentionPolicyID),
		timePtrToMs(j.PurgeAfter), timePtrToMs(j.PurgedAt), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli())
	return err
}

// GetJob loads one job; returns model.ErrNotFound when missing.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return j, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	TenantID string
	Statuses []model.JobStatus
	Limit    int
	Offset   int
}

// ListJobs returns jobs for a tenant, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		query += " AND status IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at_ms DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AdvanceJobStatus performs a conditional state transition guarded on the
// current status. Returns false without error when the guard does not match,
// which is how duplicate events degrade to no-ops.
func (s *Store) AdvanceJobStatus(ctx context.Context, id string, to model.JobStatus, from ...model.JobStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("store: AdvanceJobStatus requires at least one guard status")
	}
	placeholders := strings.Repeat("?,", len(from))
	query := `UPDATE jobs SET status = ?, updated_at_ms = ?`
	args := []any{to, time.Now().UnixMilli()}

	now := time.Now().UnixMilli()
	if to == model.JobRunning {
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

// UpdateJob loads the row in a transaction, applies fn and writes it back.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}

	if err := fn(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = time.Now()

	paramsJSON, _ := json.Marshal(j.Parameters)
	metaJSON, _ := json.Marshal(j.WebhookMetadata)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, audio_uri = ?, parameters_json = ?, webhook_url = ?,
			webhook_metadata_json = ?, error = ?, retention_policy_id = ?,
			audio_duration_seconds = ?, result_language_code = ?, result_word_count = ?,
			result_segment_count = ?, result_speaker_count = ?, result_character_count = ?,
			purge_after_ms = ?, purged_at_ms = ?, updated_at_ms = ?,
			started_at_ms = ?, completed_at_ms = ?
		WHERE id = ?`,
		j.Status, j.AudioURI, paramsJSON, nullStr(j.WebhookURL),
		metaJSON, nullStr(j.Error), nullStr(j.RetentionPolicyID),
		nullFloat(j.AudioDurationSeconds), nullStr(j.ResultLanguageCode), nullInt(j.ResultWordCount),
		nullInt(j.ResultSegmentCount), intPtrToNull(j.ResultSpeakerCount), nullInt(j.ResultCharacterCount),
		timePtrToMs(j.PurgeAfter), timePtrToMs(j.PurgedAt), j.UpdatedAt.UnixMilli(),
		timePtrToMs(j.StartedAt), timePtrToMs(j.CompletedAt),
		j.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// JobsDueForPurge returns up to limit unpurged jobs whose purge deadline has
// passed, oldest deadline first.
func (s *Store) JobsDueForPurge(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= ? AND purged_at_ms IS NULL
		ORDER BY purge_after_ms ASC LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobPurged stamps purged_at once.
func (s *Store) MarkJobPurged(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET purged_at_ms = ?, updated_at_ms = ? WHERE id = ? AND purged_at_ms IS NULL`,
		at.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*model.Job, error) {
	var j model.Job
	var paramsJSON []byte
	var metaJSON, webhookURL, errStr, policyID, langCode sql.NullString
	var duration sql.NullFloat64
	var wordCount, segCount, spkCount, charCount sql.NullInt64
	var purgeAfter, purgedAt, startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&j.ID, &j.TenantID, &j.Status, &j.AudioURI, &paramsJSON, &webhookURL,
		&metaJSON, &errStr, &policyID, &duration,
		&langCode, &wordCount, &segCount,
		&spkCount, &charCount, &purgeAfter, &purgedAt,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	_ = json.Unmarshal(paramsJSON, &j.Parameters)
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &j.WebhookMetadata)
	}
	j.WebhookURL = webhookURL.String
	j.Error = errStr.String
	j.RetentionPolicyID = policyID.String
	j.AudioDurationSeconds = duration.Float64
	j.ResultLanguageCode = langCode.String
	j.ResultWordCount = int(wordCount.Int64)
	j.ResultSegmentCount = int(segCount.Int64)
	j.ResultSpeakerCount = nullToIntPtr(spkCount)
	j.ResultCharacterCount = int(charCount.Int64)
	j.PurgeAfter = msToTimePtr(purgeAfter)
	j.PurgedAt = msToTimePtr(purgedAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	j.StartedAt = msToTimePtr(startedAt)
	j.CompletedAt = msToTimePtr(completedAt)
	return &j, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
