// SPDX-License-Identifier: MIT

// Package config assembles the control-plane configuration from the
// environment. All knobs have code defaults so a bare `dalstond` starts
// against localhost Redis and an on-disk data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EngineUnavailableBehavior selects what dispatch does when no live consumer
// exists for a task's engine stream.
type EngineUnavailableBehavior string

const (
	// EngineFailFast fails the task immediately at dispatch time.
	EngineFailFast EngineUnavailableBehavior = "fail_fast"
	// EngineWait parks the task and lets the recovery scanner enforce a
	// wait deadline.
	EngineWait EngineUnavailableBehavior = "wait"
)

// Config is the assembled runtime configuration for one dalstond instance.
type Config struct {
	// Identity
	InstanceID string // hostname:pid, used as lock owner and queue consumer name

	// Stores
	DataDir       string // root for sqlite db and blob store
	DBPath        string
	BlobRoot      string
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	// Orchestrator
	EngineUnavailable  EngineUnavailableBehavior
	EngineWaitTimeout  time.Duration // deadline for EngineWait mode
	TaskTimeout        time.Duration // default per-task timeout carried in queue messages
	TaskMaxRetries     int
	CancelFlagTTL      time.Duration

	// Recovery scanner
	ScanInterval   time.Duration
	StaleThreshold time.Duration
	LeaderLockTTL  time.Duration

	// Session router
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
	SessionRecordTTL    time.Duration
	ReconcileInterval   time.Duration

	// Retention engine
	RetentionSweepInterval time.Duration
	RetentionBatchSize     int

	// Webhook delivery scheduler
	WebhookPollInterval  time.Duration
	WebhookMaxConcurrent int
	WebhookMaxAttempts   int
	WebhookSendTimeout   time.Duration
	WebhookGlobalSecret  string

	// Observability
	MetricsAddr string // promhttp + health listener; empty disables it

	// Logging
	LogLevel string
}

// FromEnv reads the full configuration from DALSTON_* environment variables.
func FromEnv() (*Config, error) {
	dataDir := ParseString("DALSTON_DATA_DIR", "/var/lib/dalston")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "dalston"
	}

	cfg := &Config{
		InstanceID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),

		DataDir:       dataDir,
		DBPath:        ParseString("DALSTON_DB_PATH", filepath.Join(dataDir, "dalston.db")),
		BlobRoot:      ParseString("DALSTON_BLOB_ROOT", filepath.Join(dataDir, "blobs")),
		RedisAddr:     ParseString("DALSTON_REDIS_ADDR", "localhost:6379"),
		RedisDB:       ParseInt("DALSTON_REDIS_DB", 0),
		RedisPassword: ParseString("DALSTON_REDIS_PASSWORD", ""),

		EngineUnavailable: EngineUnavailableBehavior(ParseString("DALSTON_ENGINE_UNAVAILABLE_BEHAVIOR", string(EngineFailFast))),
		EngineWaitTimeout: ParseDuration("DALSTON_ENGINE_WAIT_TIMEOUT", 5*time.Minute),
		TaskTimeout:       ParseDuration("DALSTON_TASK_TIMEOUT", 30*time.Minute),
		TaskMaxRetries:    ParseInt("DALSTON_TASK_MAX_RETRIES", 2),
		CancelFlagTTL:     ParseDuration("DALSTON_CANCEL_FLAG_TTL", 24*time.Hour),

		ScanInterval:   ParseDuration("DALSTON_SCAN_INTERVAL", 60*time.Second),
		StaleThreshold: ParseDuration("DALSTON_STALE_THRESHOLD", 10*time.Minute),
		LeaderLockTTL:  ParseDuration("DALSTON_LEADER_LOCK_TTL", 120*time.Second),

		HealthCheckInterval: ParseDuration("DALSTON_HEALTH_CHECK_INTERVAL", 10*time.Second),
		HeartbeatTimeout:    ParseDuration("DALSTON_HEARTBEAT_TIMEOUT", 30*time.Second),
		SessionRecordTTL:    ParseDuration("DALSTON_SESSION_RECORD_TTL", 5*time.Minute),
		ReconcileInterval:   ParseDuration("DALSTON_RECONCILE_INTERVAL", time.Minute),

		RetentionSweepInterval: ParseDuration("DALSTON_RETENTION_SWEEP_INTERVAL", 5*time.Minute),
		RetentionBatchSize:     ParseInt("DALSTON_RETENTION_BATCH_SIZE", 100),

		WebhookPollInterval:  ParseDuration("DALSTON_WEBHOOK_POLL_INTERVAL", 2*time.Second),
		WebhookMaxConcurrent: ParseInt("DALSTON_WEBHOOK_MAX_CONCURRENT", 10),
		WebhookMaxAttempts:   ParseInt("DALSTON_WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookSendTimeout:   ParseDuration("DALSTON_WEBHOOK_SEND_TIMEOUT", 30*time.Second),
		WebhookGlobalSecret:  ParseString("DALSTON_WEBHOOK_SECRET", ""),

		MetricsAddr: ParseString("DALSTON_METRICS_ADDR", ":9090"),

		LogLevel: ParseString("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.EngineUnavailable {
	case EngineFailFast, EngineWait:
	default:
		return fmt.Errorf("config: invalid engine_unavailable_behavior %q", c.EngineUnavailable)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("config: scan interval must be > 0, got %v", c.ScanInterval)
	}
	if c.LeaderLockTTL < c.ScanInterval {
		return fmt.Errorf("config: leader lock TTL %v must be >= scan interval %v", c.LeaderLockTTL, c.ScanInterval)
	}
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("config: task max retries must be >= 0, got %d", c.TaskMaxRetries)
	}
	if c.WebhookMaxConcurrent <= 0 {
		return fmt.Errorf("config: webhook max concurrent must be > 0, got %d", c.WebhookMaxConcurrent)
	}
	if c.RetentionBatchSize <= 0 {
		return fmt.Errorf("config: retention batch size must be > 0, got %d", c.RetentionBatchSize)
	}
	return nil
}
