// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// SessionRecord is the short-lived allocation record for one live session.
// It expires on its own unless the gateway keeps renewing it, so a crashed
// gateway leaves a detectable hole the reconciler can clean up.
type SessionRecord struct {
	ID           string
	WorkerID     string
	Endpoint     string
	Engine       string
	Language     string
	Model        string
	ClientIP     string
	EnhanceOnEnd bool
	Status       string // active, ended
	CreatedAt    time.Time
}

// PutSession writes the allocation record with its TTL and registers the
// session in both the worker's set and the global set.
func (r *Registry) PutSession(ctx context.Context, rec *SessionRecord, ttl time.Duration) error {
	fields := map[string]any{
		"worker_id":      rec.WorkerID,
		"endpoint":       rec.Endpoint,
		"engine":         rec.Engine,
		"language":       rec.Language,
		"model":          rec.Model,
		"client_ip":      rec.ClientIP,
		"enhance_on_end": boolField(rec.EnhanceOnEnd),
		"status":         rec.Status,
		"created_at_ms":  rec.CreatedAt.UnixMilli(),
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(rec.ID), fields)
	pipe.Expire(ctx, sessionKey(rec.ID), ttl)
	pipe.SAdd(ctx, workerSessionsKey(rec.WorkerID), rec.ID)
	pipe.SAdd(ctx, activeSessionsKey, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: put session %s: %w", rec.ID, err)
	}
	return nil
}

// Session loads an allocation record; (nil, nil) once it has expired.
func (r *Registry) Session(ctx context.Context, id string) (*SessionRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: read session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &SessionRecord{
		ID:           id,
		WorkerID:     fields["worker_id"],
		Endpoint:     fields["endpoint"],
		Engine:       fields["engine"],
		Language:     fields["language"],
		Model:        fields["model"],
		ClientIP:     fields["client_ip"],
		EnhanceOnEnd: fields["enhance_on_end"] == "1",
		Status:       fields["status"],
	}
	if ms, err := strconv.ParseInt(fields["created_at_ms"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	return rec, nil
}

// TouchSession renews the record TTL. Called on every gateway keepalive.
func (r *Registry) TouchSession(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.Expire(ctx, sessionKey(id), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("registry: touch session %s: %w", id, err)
	}
	return ok, nil
}

// EndSession marks the record ended with a short debug TTL and removes the
// session from both membership sets.
func (r *Registry) EndSession(ctx context.Context, id, workerID string, debugTTL time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(id), "status", "ended")
	pipe.Expire(ctx, sessionKey(id), debugTTL)
	pipe.SRem(ctx, workerSessionsKey(workerID), id)
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: end session %s: %w", id, err)
	}
	return nil
}

// DropSession removes a session from the membership sets without touching
// the record. Used by the orphan reconciler when the record itself is gone.
func (r *Registry) DropSession(ctx context.Context, id, workerID string) error {
	pipe := r.rdb.TxPipeline()
	if workerID != "" {
		pipe.SRem(ctx, workerSessionsKey(workerID), id)
	}
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: drop session %s: %w", id, err)
	}
	return nil
}

// ActiveSessionIDs enumerates the global live-session set.
func (r *Registry) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list active sessions: %w", err)
	}
	return ids, nil
}

// WorkerSessionIDs enumerates one worker's live sessions.
func (r *Registry) WorkerSessionIDs(ctx context.Context, workerID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, workerSessionsKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list sessions of %s: %w", workerID, err)
	}
	return ids, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
