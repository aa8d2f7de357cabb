// SPDX-License-Identifier: MIT

// Package store is the SQLite access layer for every persistent entity of
// the control plane. Rows are the serialization point for mutations; all
// state advances are conditional updates guarded on the previous state so
// duplicate event processing degrades to a no-op.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/persistence/sqlite"
)

const schemaVersion = 2

// Store wraps the shared connection pool.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database, runs migrations and seeds the default
// tenant plus the three system retention policies.
func New(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	if err := s.seed(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: seed failed: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		settings_json TEXT NOT NULL DEFAULT '{}',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		status TEXT NOT NULL,
		audio_uri TEXT NOT NULL,
		parameters_json TEXT NOT NULL,
		webhook_url TEXT,
		webhook_metadata_json TEXT,
		error TEXT,
		retention_policy_id TEXT,
		audio_duration_seconds REAL,
		result_language_code TEXT,
		result_word_count INTEGER,
		result_segment_count INTEGER,
		result_speaker_count INTEGER,
		result_character_count INTEGER,
		purge_after_ms INTEGER,
		purged_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		completed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_jobs_purge ON jobs(purge_after_ms) WHERE purged_at_ms IS NULL;

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		engine_id TEXT NOT NULL,
		status TEXT NOT NULL,
		dependencies_json TEXT NOT NULL DEFAULT '[]',
		config_json TEXT NOT NULL DEFAULT '{}',
		input_uri TEXT,
		output_uri TEXT,
		message_id TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 2,
		required INTEGER NOT NULL DEFAULT 1,
		error TEXT,
		reason TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		completed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		status TEXT NOT NULL,
		language TEXT,
		model TEXT,
		engine TEXT,
		encoding TEXT,
		sample_rate INTEGER,
		worker_id TEXT,
		client_ip TEXT,
		previous_session_id TEXT,
		audio_duration_seconds REAL NOT NULL DEFAULT 0,
		segment_count INTEGER NOT NULL DEFAULT 0,
		word_count INTEGER NOT NULL DEFAULT 0,
		audio_uri TEXT,
		transcript_uri TEXT,
		enhancement_job_id TEXT,
		retention_policy_id TEXT,
		purge_after_ms INTEGER,
		purged_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_sessions_purge ON sessions(purge_after_ms) WHERE purged_at_ms IS NULL;

	CREATE TABLE IF NOT EXISTS retention_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		hours INTEGER,
		scope TEXT NOT NULL DEFAULT 'all',
		realtime_mode TEXT,
		realtime_hours INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_name ON retention_policies(COALESCE(tenant_id, ''), name);

	CREATE TABLE IF NOT EXISTS webhook_endpoints (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		url TEXT NOT NULL,
		events_json TEXT NOT NULL DEFAULT '["*"]',
		secret TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_success_at_ms INTEGER,
		disabled_reason TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT,
		url_override TEXT,
		job_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_status_code INTEGER,
		last_error TEXT,
		next_retry_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_dedup
		ON webhook_deliveries(COALESCE(endpoint_id, ''), COALESCE(url_override, ''), job_id, event_type);
	CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(status, next_retry_at_ms);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		kind TEXT NOT NULL,
		ttl_seconds INTEGER,
		available_at_ms INTEGER,
		purge_after_ms INTEGER,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_owner ON artifacts(owner_type, owner_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_purge ON artifacts(purge_after_ms);

	CREATE TABLE IF NOT EXISTS settings (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (namespace, key, tenant_id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		type TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		result TEXT,
		request_id TEXT,
		details_json TEXT,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at_ms);
	`

	if current < 1 {
		if _, err := tx.Exec(schema); err != nil {
			return err
		}
	} else if current < 2 {
		// v2: cancellation withdraws queued stream messages by id.
		if _, err := tx.Exec(`ALTER TABLE tasks ADD COLUMN message_id TEXT`); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// seed inserts the default tenant and the three well-known system policies.
// Idempotent: existing rows are left untouched.
func (s *Store) seed(ctx context.Context) error {
	now := time.Now().UnixMilli()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tenants (id, name, settings_json, created_at_ms, updated_at_ms)
		VALUES (?, 'default', '{}', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		model.DefaultTenantID, now, now)
	if err != nil {
		return err
	}

	defaultHours := 720 // 30 days
	systemPolicies := []model.RetentionPolicy{
		{ID: model.PolicyDefaultID, Name: "default", Mode: model.RetentionAutoDelete, Hours: &defaultHours, Scope: model.ScopeAll},
		{ID: model.PolicyZeroRetentionID, Name: "zero-retention", Mode: model.RetentionNone, Scope: model.ScopeAll},
		{ID: model.PolicyKeepID, Name: "keep", Mode: model.RetentionKeep, Scope: model.ScopeAll},
	}
	for _, p := range systemPolicies {
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO retention_policies (id, tenant_id, name, mode, hours, scope, created_at_ms, updated_at_ms)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			p.ID, p.Name, p.Mode, intPtrToNull(p.Hours), p.Scope, now, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// --- nullable column helpers shared across the package ---

func msToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func timePtrToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func intPtrToNull(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullToIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullToInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
