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

const policyColumns = `id, tenant_id, name, mode, hours, scope, realtime_mode,
	realtime_hours, created_at_ms, updated_at_ms`

// CreatePolicy inserts a tenant retention policy.
func (s *Store) CreatePolicy(ctx context.Context, p *model.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO retention_policies (id, tenant_id, name, mode, hours, scope,
			realtime_mode, realtime_hours, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullStr(p.TenantID), p.Name, p.Mode, intPtrToNull(p.Hours), p.Scope,
		nullStr(string(p.RealtimeMode)), intPtrToNull(p.RealtimeHours),
		now.UnixMilli(), now.UnixMilli())
	return err
}

// GetPolicy loads one policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (*model.RetentionPolicy, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM retention_policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: policy %s", model.ErrNotFound, id)
	}
	return p, nil
}

// GetPolicyByName resolves a policy by name, preferring the tenant's own
// policy over system policies.
func (s *Store) GetPolicyByName(ctx context.Context, tenantID, name string) (*model.RetentionPolicy, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM retention_policies
		WHERE name = ? AND (tenant_id = ? OR tenant_id IS NULL)
		ORDER BY tenant_id IS NULL LIMIT 1`,
		name, tenantID)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: policy %q", model.ErrNotFound, name)
	}
	return p, nil
}

// ListPolicies returns system policies plus the tenant's own.
func (s *Store) ListPolicies(ctx context.Context, tenantID string) ([]*model.RetentionPolicy, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM retention_policies
		WHERE tenant_id IS NULL OR tenant_id = ?
		ORDER BY tenant_id IS NULL DESC, name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.RetentionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PolicyInUse reports whether any job or session references the policy.
func (s *Store) PolicyInUse(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM jobs WHERE retention_policy_id = ?)
		     + (SELECT COUNT(*) FROM sessions WHERE retention_policy_id = ?)`,
		id, id).Scan(&n)
	return n > 0, err
}

// DeletePolicy removes a tenant policy. System policies and in-use policies
// cannot be deleted; both are conflicts for the caller.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if p.IsSystem() {
		return fmt.Errorf("%w: system policy %q cannot be deleted", model.ErrConflict, p.Name)
	}
	inUse, err := s.PolicyInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: policy %q is in use", model.ErrConflict, p.Name)
	}
	_, err = s.DB.ExecContext(ctx, `DELETE FROM retention_policies WHERE id = ?`, id)
	return err
}

func scanPolicy(scanner interface{ Scan(dest ...any) error }) (*model.RetentionPolicy, error) {
	var p model.RetentionPolicy
	var tenantID, rtMode sql.NullString
	var hours, rtHours sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(&p.ID, &tenantID, &p.Name, &p.Mode, &hours, &p.Scope,
		&rtMode, &rtHours, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.TenantID = tenantID.String
	p.Hours = nullToIntPtr(hours)
	p.RealtimeMode = model.RetentionMode(rtMode.String)
	p.RealtimeHours = nullToIntPtr(rtHours)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}
