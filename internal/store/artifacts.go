// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

const artifactColumns = `id, owner_type, owner_id, uri, kind, ttl_seconds,
	available_at_ms, purge_after_ms, created_at_ms`

// InsertArtifact records one persisted blob. Availability is stamped later,
// when the owner finalizes and the retention deadline is known.
func (s *Store) InsertArtifact(ctx context.Context, a *model.ArtifactObject) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO artifacts (id, owner_type, owner_id, uri, kind, ttl_seconds,
			available_at_ms, purge_after_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerType, a.OwnerID, a.URI, a.Kind, int64PtrToNull(a.TTLSeconds),
		timePtrToMs(a.AvailableAt), timePtrToMs(a.PurgeAfter), a.CreatedAt.UnixMilli())
	return err
}

// MarkArtifactsAvailable flips every artifact of an owner to available at
// the given time and computes purge_after from each row's own TTL. Rows
// without a TTL never expire.
func (s *Store) MarkArtifactsAvailable(ctx context.Context, ownerType model.ArtifactOwnerType, ownerID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE artifacts
		SET available_at_ms = ?,
		    purge_after_ms = CASE WHEN ttl_seconds IS NOT NULL THEN ? + ttl_seconds * 1000 ELSE NULL END
		WHERE owner_type = ? AND owner_id = ? AND available_at_ms IS NULL`,
		at.UnixMilli(), at.UnixMilli(), ownerType, ownerID)
	return err
}

// ArtifactsByOwner returns all artifact rows of one owner.
func (s *Store) ArtifactsByOwner(ctx context.Context, ownerType model.ArtifactOwnerType, ownerID string) ([]*model.ArtifactObject, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE owner_type = ? AND owner_id = ? ORDER BY created_at_ms, id`,
		ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ArtifactObject
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpiredArtifacts returns up to limit artifacts whose purge deadline has
// passed, oldest first.
func (s *Store) ExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]*model.ArtifactObject, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= ?
		ORDER BY purge_after_ms ASC LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ArtifactObject
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes one artifact row after its blob is gone.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	return err
}

// DeleteArtifactsByOwner removes all rows of an owner, optionally limited to
// the given kinds.
func (s *Store) DeleteArtifactsByOwner(ctx context.Context, ownerType model.ArtifactOwnerType, ownerID string, kinds ...string) error {
	query := `DELETE FROM artifacts WHERE owner_type = ? AND owner_id = ?`
	args := []any{ownerType, ownerID}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + repeatParam(len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	_, err := s.DB.ExecContext(ctx, query, args...)
	return err
}

func repeatParam(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*model.ArtifactObject, error) {
	var a model.ArtifactObject
	var ttl, availableAt, purgeAfter sql.NullInt64
	var createdAt int64

	err := scanner.Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.URI, &a.Kind,
		&ttl, &availableAt, &purgeAfter, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.TTLSeconds = nullToInt64Ptr(ttl)
	a.AvailableAt = msToTimePtr(availableAt)
	a.PurgeAfter = msToTimePtr(purgeAfter)
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

func int64PtrToNull(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
