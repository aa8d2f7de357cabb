// SPDX-License-Identifier: MIT

// Package registry reads and maintains the shared worker/engine registry.
// Workers publish their own heartbeats into per-worker hashes; the control
// plane reads them for routing and liveness probes and owns the session
// bookkeeping around them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
)

const (
	workersSetKey     = "dalston:workers"
	workerKeyPrefix   = "dalston:worker:"
	sessionKeyPrefix  = "dalston:session:"
	activeSessionsKey = "dalston:active_sessions"
)

// decrement active_sessions but never below zero
var clampDecrScript = redis.NewScript(`
	local v = tonumber(redis.call("HGET", KEYS[1], "active_sessions") or "0")
	if v <= 0 then
		redis.call("HSET", KEYS[1], "active_sessions", 0)
		return 0
	end
	v = v - 1
	redis.call("HSET", KEYS[1], "active_sessions", v)
	return v`)

// Registry is the Redis-backed view of the worker fleet.
type Registry struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

func New(rdb redis.UniversalClient) *Registry {
	return &Registry{
		rdb:    rdb,
		logger: log.WithComponent("registry"),
	}
}

func workerKey(id string) string  { return workerKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }
func workerSessionsKey(id string) string {
	return workerKeyPrefix + id + ":sessions"
}

// Register writes a worker's full state and adds it to the enumeration set.
// In production the workers themselves call this on every heartbeat.
func (r *Registry) Register(ctx context.Context, w *model.Worker) error {
	models, _ := json.Marshal(w.ModelsLoaded)
	langs, _ := json.Marshal(w.LanguagesSupported)
	fields := map[string]any{
		"endpoint":            w.Endpoint,
		"status":              string(w.Status),
		"capacity":            w.Capacity,
		"active_sessions":     w.ActiveSessions,
		"models_loaded":       models,
		"languages_supported": langs,
		"engine":              w.Engine,
		"gpu_memory_used":     w.GPUMemoryUsed,
		"gpu_memory_total":    w.GPUMemoryTotal,
		"last_heartbeat_ms":   w.LastHeartbeat.UnixMilli(),
		"started_at_ms":       w.StartedAt.UnixMilli(),
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(w.ID), fields)
	pipe.SAdd(ctx, workersSetKey, w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: register worker %s: %w", w.ID, err)
	}
	return nil
}

// Heartbeat refreshes just the liveness timestamp and status.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, status model.WorkerStatus, at time.Time) error {
	err := r.rdb.HSet(ctx, workerKey(workerID), map[string]any{
		"status":            string(status),
		"last_heartbeat_ms": at.UnixMilli(),
	}).Err()
	if err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", workerID, err)
	}
	return nil
}

// Worker loads one worker; (nil, nil) when the hash is gone.
func (r *Registry) Worker(ctx context.Context, id string) (*model.Worker, error) {
	fields, err := r.rdb.HGetAll(ctx, workerKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: read worker %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseWorker(id, fields), nil
}

// Workers enumerates the fleet. Set members whose hash has vanished are
// pruned in passing.
func (r *Registry) Workers(ctx context.Context) ([]*model.Worker, error) {
	ids, err := r.rdb.SMembers(ctx, workersSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list workers: %w", err)
	}
	out := make([]*model.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.Worker(ctx, id)
		if err != nil {
			return nil, err
		}
		if w == nil {
			_ = r.rdb.SRem(ctx, workersSetKey, id).Err()
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// MarkOffline flips a worker's status. The health monitor calls this when a
// heartbeat goes stale.
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	err := r.rdb.HSet(ctx, workerKey(workerID), "status", string(model.WorkerOffline)).Err()
	if err != nil {
		return fmt.Errorf("registry: mark %s offline: %w", workerID, err)
	}
	return nil
}

// Remove drops a worker and its session set entirely.
func (r *Registry) Remove(ctx context.Context, workerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, workerKey(workerID), workerSessionsKey(workerID))
	pipe.SRem(ctx, workersSetKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: remove worker %s: %w", workerID, err)
	}
	return nil
}

// EngineAlive reports whether any registered worker serves the given engine
// stream and has heartbeat within the timeout. Used both for fail-fast
// dispatch and the recovery scanner's liveness probe.
func (r *Registry) EngineAlive(ctx context.Context, engineID string, timeout time.Duration) (bool, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-timeout)
	for _, w := range workers {
		if w.Engine == engineID && w.Status != model.WorkerOffline && w.LastHeartbeat.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// ConsumerAlive reports whether the named consumer (a worker id) still
// heartbeats within the timeout.
func (r *Registry) ConsumerAlive(ctx context.Context, consumer string, timeout time.Duration) (bool, error) {
	w, err := r.Worker(ctx, consumer)
	if err != nil {
		return false, err
	}
	if w == nil || w.Status == model.WorkerOffline {
		return false, nil
	}
	return w.LastHeartbeat.After(time.Now().Add(-timeout)), nil
}

// IncrSessions bumps a worker's active-session counter and returns the new
// value. The caller backs off when the result exceeds capacity.
func (r *Registry) IncrSessions(ctx context.Context, workerID string) (int64, error) {
	n, err := r.rdb.HIncrBy(ctx, workerKey(workerID), "active_sessions", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: incr sessions on %s: %w", workerID, err)
	}
	return n, nil
}

// DecrSessions decrements the counter, clamping at zero.
func (r *Registry) DecrSessions(ctx context.Context, workerID string) (int64, error) {
	n, err := clampDecrScript.Run(ctx, r.rdb, []string{workerKey(workerID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("registry: decr sessions on %s: %w", workerID, err)
	}
	return n, nil
}

func parseWorker(id string, fields map[string]string) *model.Worker {
	w := &model.Worker{
		ID:       id,
		Endpoint: fields["endpoint"],
		Status:   model.WorkerStatus(fields["status"]),
		Engine:   fields["engine"],
	}
	w.Capacity, _ = strconv.Atoi(fields["capacity"])
	w.ActiveSessions, _ = strconv.Atoi(fields["active_sessions"])
	w.GPUMemoryUsed, _ = strconv.ParseInt(fields["gpu_memory_used"], 10, 64)
	w.GPUMemoryTotal, _ = strconv.ParseInt(fields["gpu_memory_total"], 10, 64)
	_ = json.Unmarshal([]byte(fields["models_loaded"]), &w.ModelsLoaded)
	_ = json.Unmarshal([]byte(fields["languages_supported"]), &w.LanguagesSupported)
	if ms, err := strconv.ParseInt(fields["last_heartbeat_ms"], 10, 64); err == nil {
		w.LastHeartbeat = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["started_at_ms"], 10, 64); err == nil {
		w.StartedAt = time.UnixMilli(ms)
	}
	return w
}
