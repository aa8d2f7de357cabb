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

const endpointColumns = `id, tenant_id, url, events_json, secret, is_active,
	consecutive_failures, last_success_at_ms, disabled_reason, created_at_ms, updated_at_ms`

// CreateEndpoint inserts a webhook endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, e *model.WebhookEndpoint) error {
	eventsJSON, _ := json.Marshal(e.Events)
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, tenant_id, url, events_json, secret,
			is_active, consecutive_failures, last_success_at_ms, disabled_reason,
			created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.URL, eventsJSON, e.Secret,
		boolToInt(e.IsActive), e.ConsecutiveFailures, timePtrToMs(e.LastSuccessAt), nullStr(e.DisabledReason),
		now.UnixMilli(), now.UnixMilli())
	return err
}

// GetEndpoint loads one endpoint.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`, id)
	e, err := scanEndpoint(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: endpoint %s", model.ErrNotFound, id)
	}
	return e, nil
}

// ActiveEndpointsForEvent returns a tenant's active endpoints subscribed to
// the given event.
func (s *Store) ActiveEndpointsForEvent(ctx context.Context, tenantID, event string) ([]*model.WebhookEndpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE tenant_id = ? AND is_active = 1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		if e.SubscribedTo(event) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// RecordEndpointSuccess resets the failure counter after a 2xx delivery.
func (s *Store) RecordEndpointSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_endpoints SET consecutive_failures = 0, last_success_at_ms = ?, updated_at_ms = ?
		WHERE id = ?`,
		at.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

// RecordEndpointFailure bumps the failure counter and returns the endpoint's
// post-increment state for the auto-disable check.
func (s *Store) RecordEndpointFailure(ctx context.Context, id string) (*model.WebhookEndpoint, error) {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_endpoints SET consecutive_failures = consecutive_failures + 1, updated_at_ms = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	return s.GetEndpoint(ctx, id)
}

// DisableEndpoint deactivates an endpoint with a reason.
func (s *Store) DisableEndpoint(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_endpoints SET is_active = 0, disabled_reason = ?, updated_at_ms = ?
		WHERE id = ?`,
		reason, time.Now().UnixMilli(), id)
	return err
}

// EnableEndpoint reactivates an endpoint, clearing the failure counter and
// the disabled reason.
func (s *Store) EnableEndpoint(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_endpoints SET is_active = 1, consecutive_failures = 0,
			disabled_reason = NULL, updated_at_ms = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// RotateEndpointSecret swaps the signing secret and resets failure state.
func (s *Store) RotateEndpointSecret(ctx context.Context, id, secret string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_endpoints SET secret = ?, consecutive_failures = 0,
			disabled_reason = NULL, updated_at_ms = ?
		WHERE id = ?`,
		secret, time.Now().UnixMilli(), id)
	return err
}

func scanEndpoint(scanner interface{ Scan(dest ...any) error }) (*model.WebhookEndpoint, error) {
	var e model.WebhookEndpoint
	var eventsJSON []byte
	var isActive int
	var lastSuccess sql.NullInt64
	var disabledReason sql.NullString
	var createdAt, updatedAt int64

	err := scanner.Scan(&e.ID, &e.TenantID, &e.URL, &eventsJSON, &e.Secret,
		&isActive, &e.ConsecutiveFailures, &lastSuccess, &disabledReason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(eventsJSON, &e.Events)
	e.IsActive = isActive != 0
	e.LastSuccessAt = msToTimePtr(lastSuccess)
	e.DisabledReason = disabledReason.String
	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return &e, nil
}

// --- deliveries ---

const deliveryColumns = `id, endpoint_id, url_override, job_id, event_type,
	payload, status, attempts, last_status_code, last_error, next_retry_at_ms,
	created_at_ms, updated_at_ms`

// CreateDelivery inserts a delivery row, deduplicating on
// (endpoint|url_override, job, event). A duplicate insert returns the
// existing row unchanged.
func (s *Store) CreateDelivery(ctx context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	if d.NextRetryAt == nil {
		d.NextRetryAt = &now
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, url_override, job_id,
			event_type, payload, status, attempts, next_retry_at_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		d.ID, nullStr(d.EndpointID), nullStr(d.URLOverride), d.JobID,
		d.EventType, d.Payload, d.Status, timePtrToMs(d.NextRetryAt),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE COALESCE(endpoint_id,'') = ? AND COALESCE(url_override,'') = ?
			AND job_id = ? AND event_type = ?`,
		d.EndpointID, d.URLOverride, d.JobID, d.EventType)
	existing, err := scanDelivery(row)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("store: delivery vanished after insert")
	}
	return existing, nil
}

// ClaimDueDeliveries fetches up to limit pending deliveries due for attempt
// and pushes their next_retry_at forward by the lease so concurrent pollers
// do not double-send. SQLite's single-writer transaction stands in for
// SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.WebhookDelivery, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = ? AND next_retry_at_ms <= ?
		ORDER BY next_retry_at_ms ASC LIMIT ?`,
		model.DeliveryPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var claimed []*model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	leaseUntil := now.Add(lease).UnixMilli()
	for _, d := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET next_retry_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
			leaseUntil, now.UnixMilli(), d.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDeliverySuccess finalizes a delivery after a 2xx response.
func (s *Store) MarkDeliverySuccess(ctx context.Context, id string, statusCode int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1,
			last_status_code = ?, last_error = NULL, next_retry_at_ms = NULL, updated_at_ms = ?
		WHERE id = ?`,
		model.DeliverySuccess, statusCode, time.Now().UnixMilli(), id)
	return err
}

// MarkDeliveryFailure records a failed attempt. When nextRetry is nil the
// delivery is terminally failed.
func (s *Store) MarkDeliveryFailure(ctx context.Context, id string, statusCode int, errMsg string, nextRetry *time.Time) error {
	status := model.DeliveryPending
	if nextRetry == nil {
		status = model.DeliveryFailed
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1,
			last_status_code = ?, last_error = ?, next_retry_at_ms = ?, updated_at_ms = ?
		WHERE id = ?`,
		status, nullInt(statusCode), strings.TrimSpace(errMsg), timePtrToMs(nextRetry),
		time.Now().UnixMilli(), id)
	return err
}

// GetDelivery loads one delivery.
func (s *Store) GetDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: delivery %s", model.ErrNotFound, id)
	}
	return d, nil
}

func scanDelivery(scanner interface{ Scan(dest ...any) error }) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	var endpointID, urlOverride, lastError sql.NullString
	var lastStatus, nextRetry sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(&d.ID, &endpointID, &urlOverride, &d.JobID, &d.EventType,
		&d.Payload, &d.Status, &d.Attempts, &lastStatus, &lastError, &nextRetry,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d.EndpointID = endpointID.String
	d.URLOverride = urlOverride.String
	d.LastStatusCode = int(lastStatus.Int64)
	d.LastError = lastError.String
	d.NextRetryAt = msToTimePtr(nextRetry)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}
