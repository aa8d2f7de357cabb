// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

// GetSetting returns one override row, tenant scope first. A missing row is
// (nil, nil); the caller falls through to env and code defaults.
func (s *Store) GetSetting(ctx context.Context, namespace, key, tenantID string) (*model.Setting, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT namespace, key, tenant_id, value, updated_at_ms FROM settings
		WHERE namespace = ? AND key = ? AND tenant_id IN (?, '')
		ORDER BY tenant_id DESC LIMIT 1`,
		namespace, key, tenantID)
	return scanSetting(row)
}

// SetSetting upserts an override row. An empty tenantID writes the
// system-level override.
func (s *Store) SetSetting(ctx context.Context, namespace, key, tenantID, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO settings (namespace, key, tenant_id, value, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key, tenant_id) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		namespace, key, tenantID, value, time.Now().UnixMilli())
	return err
}

// DeleteSetting removes an override row, restoring the next layer of the
// resolution chain.
func (s *Store) DeleteSetting(ctx context.Context, namespace, key, tenantID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM settings WHERE namespace = ? AND key = ? AND tenant_id = ?`,
		namespace, key, tenantID)
	return err
}

// ListSettings returns all override rows of a namespace.
func (s *Store) ListSettings(ctx context.Context, namespace string) ([]*model.Setting, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT namespace, key, tenant_id, value, updated_at_ms FROM settings WHERE namespace = ? ORDER BY tenant_id, key`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Setting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanSetting(scanner interface{ Scan(dest ...any) error }) (*model.Setting, error) {
	var st model.Setting
	var updatedAt int64
	err := scanner.Scan(&st.Namespace, &st.Key, &st.TenantID, &st.Value, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.UpdatedAt = time.UnixMilli(updatedAt)
	return &st, nil
}
