// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

const sessionColumns = `id, tenant_id, status, language, model, engine, encoding,
	sample_rate, worker_id, client_ip, previous_session_id, audio_duration_seconds,
	segment_count, word_count, audio_uri, transcript_uri, enhancement_job_id,
	retention_policy_id, purge_after_ms, purged_at_ms, created_at_ms, updated_at_ms,
	completed_at_ms`

// CreateSession inserts a realtime session history row.
func (s *Store) CreateSession(ctx context.Context, r *model.RealtimeSession) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, status, language, model, engine,
			encoding, sample_rate, worker_id, client_ip, previous_session_id,
			audio_duration_seconds, segment_count, word_count, audio_uri,
			transcript_uri, enhancement_job_id, retention_policy_id,
			purge_after_ms, purged_at_ms, created_at_ms, updated_at_ms, completed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Status, nullStr(r.Language), nullStr(r.Model), nullStr(r.Engine),
		nullStr(r.Encoding), nullInt(r.SampleRate), nullStr(r.WorkerID), nullStr(r.ClientIP), nullStr(r.PreviousSessionID),
		r.AudioDurationSeconds, r.SegmentCount, r.WordCount, nullStr(r.AudioURI),
		nullStr(r.TranscriptURI), nullStr(r.EnhancementJobID), nullStr(r.RetentionPolicyID),
		timePtrToMs(r.PurgeAfter), timePtrToMs(r.PurgedAt),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), timePtrToMs(r.CompletedAt))
	return err
}

// GetSession loads one session; returns model.ErrNotFound when missing.
func (s *Store) GetSession(ctx context.Context, id string) (*model.RealtimeSession, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	r, err := scanRealtimeSession(row)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	return r, nil
}

// ListSessions returns a tenant's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, tenantID string, limit int) ([]*model.RealtimeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = ? ORDER BY created_at_ms DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.RealtimeSession
	for rows.Next() {
		r, err := scanRealtimeSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateSession loads the row in a transaction, applies fn and writes it back.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*model.RealtimeSession) error) (*model.RealtimeSession, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRealtimeSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, language = ?, model = ?, engine = ?,
			encoding = ?, sample_rate = ?, worker_id = ?, client_ip = ?,
			previous_session_id = ?, audio_duration_seconds = ?, segment_count = ?,
			word_count = ?, audio_uri = ?, transcript_uri = ?, enhancement_job_id = ?,
			retention_policy_id = ?, purge_after_ms = ?, purged_at_ms = ?,
			updated_at_ms = ?, completed_at_ms = ?
		WHERE id = ?`,
		r.Status, nullStr(r.Language), nullStr(r.Model), nullStr(r.Engine),
		nullStr(r.Encoding), nullInt(r.SampleRate), nullStr(r.WorkerID), nullStr(r.ClientIP),
		nullStr(r.PreviousSessionID), r.AudioDurationSeconds, r.SegmentCount,
		r.WordCount, nullStr(r.AudioURI), nullStr(r.TranscriptURI), nullStr(r.EnhancementJobID),
		nullStr(r.RetentionPolicyID), timePtrToMs(r.PurgeAfter), timePtrToMs(r.PurgedAt),
		r.UpdatedAt.UnixMilli(), timePtrToMs(r.CompletedAt),
		r.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

// SessionsDueForPurge returns up to limit unpurged sessions whose purge
// deadline has passed.
func (s *Store) SessionsDueForPurge(ctx context.Context, now time.Time, limit int) ([]*model.RealtimeSession, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= ? AND purged_at_ms IS NULL
		ORDER BY purge_after_ms ASC LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.RealtimeSession
	for rows.Next() {
		r, err := scanRealtimeSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSessionPurged stamps purged_at once.
func (s *Store) MarkSessionPurged(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET purged_at_ms = ?, updated_at_ms = ? WHERE id = ? AND purged_at_ms IS NULL`,
		at.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

func scanRealtimeSession(scanner interface{ Scan(dest ...any) error }) (*model.RealtimeSession, error) {
	var r model.RealtimeSession
	var language, mdl, engine, encoding, workerID, clientIP, prevID sql.NullString
	var audioURI, transcriptURI, enhancementID, policyID sql.NullString
	var sampleRate, purgeAfter, purgedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(&r.ID, &r.TenantID, &r.Status, &language, &mdl, &engine,
		&encoding, &sampleRate, &workerID, &clientIP, &prevID, &r.AudioDurationSeconds,
		&r.SegmentCount, &r.WordCount, &audioURI, &transcriptURI, &enhancementID,
		&policyID, &purgeAfter, &purgedAt, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Language = language.String
	r.Model = mdl.String
	r.Engine = engine.String
	r.Encoding = encoding.String
	r.SampleRate = int(sampleRate.Int64)
	r.WorkerID = workerID.String
	r.ClientIP = clientIP.String
	r.PreviousSessionID = prevID.String
	r.AudioURI = audioURI.String
	r.TranscriptURI = transcriptURI.String
	r.EnhancementJobID = enhancementID.String
	r.RetentionPolicyID = policyID.String
	r.PurgeAfter = msToTimePtr(purgeAfter)
	r.PurgedAt = msToTimePtr(purgedAt)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	r.CompletedAt = msToTimePtr(completedAt)
	return &r, nil
}
