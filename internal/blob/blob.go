// SPDX-License-Identifier: MIT

// Package blob abstracts the artifact store. The control plane assumes
// object-store semantics: put, get, delete, list/delete by prefix. Paths are
// logical URIs relative to the store root.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is the artifact-store contract.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the prefix and returns how
	// many were deleted. Deleting a non-existent prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Canonical artifact paths. Engines and the orchestrator agree on these.

// JobAudioPath is where the original upload lives; ext carries the dot-less
// extension ("wav", "mp3").
func JobAudioPath(jobID, ext string) string {
	return path.Join("jobs", jobID, "audio", "original."+ext)
}

// JobAudioPrefix covers every audio blob of a job.
func JobAudioPrefix(jobID string) string {
	return path.Join("jobs", jobID, "audio") + "/"
}

// TaskInputPath is the per-task input descriptor written by the orchestrator
// before the task becomes ready.
func TaskInputPath(jobID, taskID string) string {
	return path.Join("jobs", jobID, "tasks", taskID, "input.json")
}

// TaskOutputPath is the per-task result descriptor written by the engine.
func TaskOutputPath(jobID, taskID string) string {
	return path.Join("jobs", jobID, "tasks", taskID, "output.json")
}

// JobTasksPrefix covers every per-task blob of a job.
func JobTasksPrefix(jobID string) string {
	return path.Join("jobs", jobID, "tasks") + "/"
}

// JobTranscriptPath is the final merged transcript.
func JobTranscriptPath(jobID string) string {
	return path.Join("jobs", jobID, "transcript.json")
}

// JobPrefix covers everything a job ever wrote.
func JobPrefix(jobID string) string {
	return path.Join("jobs", jobID) + "/"
}

// SessionAudioPath is the persisted realtime recording.
func SessionAudioPath(sessionID string) string {
	return path.Join("sessions", sessionID, "audio.wav")
}

// SessionTranscriptPath is the persisted realtime transcript.
func SessionTranscriptPath(sessionID string) string {
	return path.Join("sessions", sessionID, "transcript.json")
}

// SessionPrefix covers everything a session ever wrote.
func SessionPrefix(sessionID string) string {
	return path.Join("sessions", sessionID) + "/"
}

// ValidateKey rejects keys that escape the store root.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("blob: unsafe key %q", key)
	}
	return nil
}
