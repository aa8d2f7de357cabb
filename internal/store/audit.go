// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

// InsertAudit appends one audit record. Callers treat failures as
// best-effort; the store itself just reports them.
func (s *Store) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var detailsJSON []byte
	if len(e.Details) > 0 {
		detailsJSON, _ = json.Marshal(e.Details)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, type, actor, action, resource,
			result, request_id, details_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullStr(e.TenantID), e.Type, e.Actor, e.Action, nullStr(e.Resource),
		nullStr(e.Result), nullStr(e.RequestID), detailsJSON, e.CreatedAt.UnixMilli())
	return err
}

// RecentAudit returns the newest audit rows, most recent first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, tenant_id, type, actor, action, resource, result, request_id,
			details_json, created_at_ms
		FROM audit_log ORDER BY created_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(scanner interface{ Scan(dest ...any) error }) (*model.AuditEntry, error) {
	var e model.AuditEntry
	var tenantID, resource, result, requestID sql.NullString
	var detailsJSON []byte
	var createdAt int64

	err := scanner.Scan(&e.ID, &tenantID, &e.Type, &e.Actor, &e.Action,
		&resource, &result, &requestID, &detailsJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.TenantID = tenantID.String
	e.Resource = resource.String
	e.Result = result.String
	e.RequestID = requestID.String
	if len(detailsJSON) > 0 {
		_ = json.Unmarshal(detailsJSON, &e.Details)
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	return &e, nil
}
