// SPDX-License-Identifier: MIT

// Package queue adapts Redis Streams into the per-stage task queue. Each
// stage gets one stream consumed by a single group of engine processes;
// delivery is at-least-once and unacked messages stay in the consumer's
// pending-entries list until reclaimed or acked.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
)

const (
	// StreamPrefix namespaces all stage streams in the shared Redis keyspace.
	StreamPrefix = "dalston:stream:"
	// Group is the single consumer group every engine joins.
	Group = "engines"
)

// Message is one dequeued task notification.
type Message struct {
	ID         string
	Stage      string
	TaskID     string
	JobID      string
	EnqueuedAt time.Time
	TimeoutAt  time.Time
}

// PendingEntry describes one unacked message in the group's PEL, with the
// task fields resolved from the stream.
type PendingEntry struct {
	MessageID     string
	TaskID        string
	JobID         string
	TimeoutAt     time.Time
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// StreamInfo is a monitoring snapshot of one stage stream.
type StreamInfo struct {
	Stage        string
	Length       int64
	PendingCount int64
	Consumers    int64
}

// Queue is the Redis Streams adapter.
type Queue struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: log.WithComponent("queue"),
	}
}

// BaseStage strips a channel suffix so channel-parallel stages share one
// engine pool: base("transcribe_ch3") == "transcribe".
func BaseStage(stage string) string {
	if i := strings.LastIndex(stage, "_ch"); i > 0 {
		suffix := stage[i+3:]
		if suffix != "" && strings.IndexFunc(suffix, func(r rune) bool { return r < '0' || r > '9' }) == -1 {
			return stage[:i]
		}
	}
	return stage
}

// StreamKey returns the Redis key for a stage's stream.
func StreamKey(stage string) string {
	return StreamPrefix + BaseStage(stage)
}

// EnsureGroup idempotently creates the stream and its consumer group.
func (q *Queue) EnsureGroup(ctx context.Context, stage string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, StreamKey(stage), Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("queue: create group for %s: %w", stage, err)
	}
	return nil
}

// Publish appends a task message to the stage stream, creating the stream and
// group on first use. Timestamps travel as ISO-8601 UTC so any consumer can
// parse them.
func (q *Queue) Publish(ctx context.Context, stage, taskID, jobID string, timeout time.Duration) (string, error) {
	if err := q.EnsureGroup(ctx, stage); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(stage),
		Values: map[string]any{
			"task_id":     taskID,
			"job_id":      jobID,
			"enqueued_at": now.Format(time.RFC3339Nano),
			"timeout_at":  now.Add(timeout).Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: publish to %s: %w", stage, err)
	}
	q.logger.Debug().
		Str(log.FieldStage, stage).
		Str(log.FieldTaskID, taskID).
		Str(log.FieldJobID, jobID).
		Str(log.FieldMessageID, id).
		Msg("task published")
	return id, nil
}

// ClaimNext blocks up to block for one undelivered message and places it in
// the consumer's PEL. A non-positive block polls without waiting. Returns
// (nil, nil) when nothing arrives in time.
func (q *Queue) ClaimNext(ctx context.Context, stage, consumer string, block time.Duration) (*Message, error) {
	if block <= 0 {
		block = -1
	}
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{StreamKey(stage), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, q.EnsureGroup(ctx, stage)
		}
		return nil, fmt.Errorf("queue: claim next from %s: %w", stage, err)
	}
	for _, stream := range res {
		for _, m := range stream.Messages {
			return parseMessage(stage, m), nil
		}
	}
	return nil, nil
}

// ClaimIdle reclaims messages idle in any PEL for at least minIdle. Redis
// resets the visible delivery count on XAUTOCLAIM, so the counts are probed
// from the PEL before the claim.
func (q *Queue) ClaimIdle(ctx context.Context, stage, consumer string, minIdle time.Duration, count int) ([]*Message, error) {
	key := StreamKey(stage)
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, q.EnsureGroup(ctx, stage)
		}
		return nil, fmt.Errorf("queue: claim idle from %s: %w", stage, err)
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseMessage(stage, m))
	}
	return out, nil
}

// ClaimByID force-claims specific messages regardless of idle time.
func (q *Queue) ClaimByID(ctx context.Context, stage, consumer string, ids ...string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamKey(stage),
		Group:    Group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		if isNoGroup(err) {
			return nil, q.EnsureGroup(ctx, stage)
		}
		return nil, fmt.Errorf("queue: claim by id from %s: %w", stage, err)
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseMessage(stage, m))
	}
	return out, nil
}

// Ack removes a message from the PEL. Called on success and on terminal
// failure alike.
func (q *Queue) Ack(ctx context.Context, stage, messageID string) error {
	if err := q.rdb.XAck(ctx, StreamKey(stage), Group, messageID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s on %s: %w", messageID, stage, err)
	}
	return nil
}

// Delete acks and removes a message from the stream entirely. Used when a
// queued task is withdrawn before any engine consumed it.
func (q *Queue) Delete(ctx context.Context, stage, messageID string) error {
	key := StreamKey(stage)
	if err := q.rdb.XAck(ctx, key, Group, messageID).Err(); err != nil && !isNoGroup(err) {
		return fmt.Errorf("queue: ack before delete %s: %w", messageID, err)
	}
	if err := q.rdb.XDel(ctx, key, messageID).Err(); err != nil {
		return fmt.Errorf("queue: delete %s from %s: %w", messageID, stage, err)
	}
	return nil
}

// Pending enumerates the group's PEL with per-entry task ids resolved from
// the stream.
func (q *Queue) Pending(ctx context.Context, stage string) ([]PendingEntry, error) {
	key := StreamKey(stage)
	ext, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  Group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: pending for %s: %w", stage, err)
	}

	out := make([]PendingEntry, 0, len(ext))
	for _, e := range ext {
		entry := PendingEntry{
			MessageID:     e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		}
		msgs, err := q.rdb.XRangeN(ctx, key, e.ID, e.ID, 1).Result()
		if err == nil && len(msgs) == 1 {
			if v, ok := msgs[0].Values["task_id"].(string); ok {
				entry.TaskID = v
			}
			if v, ok := msgs[0].Values["job_id"].(string); ok {
				entry.JobID = v
			}
			if v, ok := msgs[0].Values["timeout_at"].(string); ok {
				entry.TimeoutAt, _ = time.Parse(time.RFC3339Nano, v)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeliveryCounts probes the PEL for the delivery count of specific messages.
func (q *Queue) DeliveryCounts(ctx context.Context, stage string, ids ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		ext, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: StreamKey(stage),
			Group:  Group,
			Start:  id,
			End:    id,
			Count:  1,
		}).Result()
		if err != nil {
			if isNoGroup(err) {
				continue
			}
			return nil, fmt.Errorf("queue: probe delivery count of %s: %w", id, err)
		}
		if len(ext) == 1 {
			out[id] = ext[0].RetryCount
		}
	}
	return out, nil
}

// Enumerate scans the keyspace for all known stage streams and returns the
// bare stage names.
func (q *Queue) Enumerate(ctx context.Context) ([]string, error) {
	var stages []string
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, StreamPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: enumerate streams: %w", err)
		}
		for _, k := range keys {
			stages = append(stages, strings.TrimPrefix(k, StreamPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stages, nil
}

// Info reports a monitoring snapshot of one stage stream.
func (q *Queue) Info(ctx context.Context, stage string) (*StreamInfo, error) {
	key := StreamKey(stage)
	info := &StreamInfo{Stage: BaseStage(stage)}

	length, err := q.rdb.XLen(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: stream length of %s: %w", stage, err)
	}
	info.Length = length

	groups, err := q.rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		if isNoGroup(err) || isNoKey(err) {
			return info, nil
		}
		return nil, fmt.Errorf("queue: group info of %s: %w", stage, err)
	}
	for _, g := range groups {
		if g.Name == Group {
			info.PendingCount = g.Pending
			info.Consumers = g.Consumers
		}
	}
	return info, nil
}

// OldestTaskAge reports how long the first undelivered message has been
// waiting, measured from its enqueued_at field. Acked history retained in the
// stream does not count; only messages past the group's last-delivered-id do.
// The second return is false when the stream is fully drained.
func (q *Queue) OldestTaskAge(ctx context.Context, stage string, now time.Time) (time.Duration, bool, error) {
	key := StreamKey(stage)
	groups, err := q.rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		if isNoGroup(err) || isNoKey(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("queue: group info of %s: %w", stage, err)
	}
	lastDelivered := "0-0"
	for _, g := range groups {
		if g.Name == Group {
			lastDelivered = g.LastDeliveredID
		}
	}

	msgs, err := q.rdb.XRangeN(ctx, key, "("+lastDelivered, "+", 1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("queue: oldest undelivered of %s: %w", stage, err)
	}
	if len(msgs) == 0 {
		return 0, false, nil
	}
	enq, ok := msgs[0].Values["enqueued_at"].(string)
	if !ok {
		return 0, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, enq)
	if err != nil {
		return 0, false, nil
	}
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	return age, true, nil
}

func parseMessage(stage string, m redis.XMessage) *Message {
	msg := &Message{ID: m.ID, Stage: BaseStage(stage)}
	if v, ok := m.Values["task_id"].(string); ok {
		msg.TaskID = v
	}
	if v, ok := m.Values["job_id"].(string); ok {
		msg.JobID = v
	}
	if v, ok := m.Values["enqueued_at"].(string); ok {
		msg.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := m.Values["timeout_at"].(string); ok {
		msg.TimeoutAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return msg
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func isNoKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}
