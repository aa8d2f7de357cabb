// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"
)

// RetentionMode is the deletion contract variant.
type RetentionMode string

const (
	// RetentionAutoDelete purges artifacts a fixed number of hours after
	// completion.
	RetentionAutoDelete RetentionMode = "auto_delete"
	// RetentionKeep never purges.
	RetentionKeep RetentionMode = "keep"
	// RetentionNone purges on the next sweep; artifacts exist only
	// transiently for processing.
	RetentionNone RetentionMode = "none"
)

// RetentionScope selects which artifacts a purge removes.
type RetentionScope string

const (
	ScopeAll       RetentionScope = "all"
	ScopeAudioOnly RetentionScope = "audio_only"
)

// Well-known system policy ids. Seeded at store init; cannot be deleted.
const (
	PolicyDefaultID       = "00000000-0000-0000-0000-0000000000d1"
	PolicyZeroRetentionID = "00000000-0000-0000-0000-0000000000d2"
	PolicyKeepID          = "00000000-0000-0000-0000-0000000000d3"
)

// RetentionPolicy is a deletion contract. System policies have an empty
// tenant id and are read-only.
type RetentionPolicy struct {
	ID       string
	TenantID string // empty for system policies
	Name     string
	Mode     RetentionMode
	Hours    *int // required iff Mode == auto_delete
	Scope    RetentionScope

	// Realtime overrides; zero values fall back to the batch fields.
	RealtimeMode  RetentionMode
	RealtimeHours *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSystem reports whether the policy is one of the seeded system policies.
func (p *RetentionPolicy) IsSystem() bool {
	switch p.ID {
	case PolicyDefaultID, PolicyZeroRetentionID, PolicyKeepID:
		return true
	}
	return false
}

// Validate enforces the mode/hours invariant:
// auto_delete <=> hours set and >= 1.
func (p *RetentionPolicy) Validate() error {
	switch p.Mode {
	case RetentionAutoDelete:
		if p.Hours == nil || *p.Hours < 1 {
			return fmt.Errorf("%w: auto_delete requires hours >= 1", ErrInvalid)
		}
	case RetentionKeep, RetentionNone:
		if p.Hours != nil {
			return fmt.Errorf("%w: hours must be unset for mode %q", ErrInvalid, p.Mode)
		}
	default:
		return fmt.Errorf("%w: unknown retention mode %q", ErrInvalid, p.Mode)
	}
	switch p.Scope {
	case ScopeAll, ScopeAudioOnly:
	case "":
		p.Scope = ScopeAll
	default:
		return fmt.Errorf("%w: unknown retention scope %q", ErrInvalid, p.Scope)
	}
	if p.RealtimeMode != "" {
		switch p.RealtimeMode {
		case RetentionAutoDelete:
			if p.RealtimeHours == nil || *p.RealtimeHours < 1 {
				return fmt.Errorf("%w: realtime auto_delete requires hours >= 1", ErrInvalid)
			}
		case RetentionKeep, RetentionNone:
		default:
			return fmt.Errorf("%w: unknown realtime retention mode %q", ErrInvalid, p.RealtimeMode)
		}
	}
	return nil
}

// PurgeAfter computes the purge deadline for an owner finalized at the given
// time. A nil return means "never".
func (p *RetentionPolicy) PurgeAfter(completedAt time.Time) *time.Time {
	return purgeAfter(p.Mode, p.Hours, completedAt)
}

// RealtimePurgeAfter computes the purge deadline for a realtime session,
// falling back to the batch contract when no realtime override is set.
func (p *RetentionPolicy) RealtimePurgeAfter(completedAt time.Time) *time.Time {
	if p.RealtimeMode == "" {
		return p.PurgeAfter(completedAt)
	}
	return purgeAfter(p.RealtimeMode, p.RealtimeHours, completedAt)
}

func purgeAfter(mode RetentionMode, hours *int, completedAt time.Time) *time.Time {
	switch mode {
	case RetentionAutoDelete:
		h := 0
		if hours != nil {
			h = *hours
		}
		t := completedAt.Add(time.Duration(h) * time.Hour)
		return &t
	case RetentionNone:
		t := completedAt
		return &t
	default: // keep
		return nil
	}
}

// ArtifactOwnerType names what kind of entity owns a persisted blob.
type ArtifactOwnerType string

const (
	OwnerJob     ArtifactOwnerType = "job"
	OwnerSession ArtifactOwnerType = "session"
)

// ArtifactObject is one row per persisted blob, letting the retention engine
// find expired blobs independently of the owner.
type ArtifactObject struct {
	ID          string
	OwnerType   ArtifactOwnerType
	OwnerID     string
	URI         string
	Kind        string // audio, transcript, task_io, recording
	TTLSeconds  *int64
	AvailableAt *time.Time
	PurgeAfter  *time.Time
	CreatedAt   time.Time
}
