// SPDX-License-Identifier: MIT

package model

import "errors"

// Sentinel errors shared across the control plane. The API layer maps these
// to HTTP status codes; internal loops use them to distinguish caller errors
// from backing-store failures.
var (
	// ErrInvalid marks a validation failure: malformed input, unknown
	// enums, out-of-range counts. Never logged at error level.
	ErrInvalid = errors.New("invalid")

	// ErrConflict marks a state-transition violation, such as cancelling a
	// completed job or deleting an in-use retention policy.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
)
