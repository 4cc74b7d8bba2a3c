// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

// ErrorCode classifies orchestrator failures for callers and for the
// HTTP boundary.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota

	// ErrCodeInvalidArgument covers malformed hashes, sizes and states.
	ErrCodeInvalidArgument

	// ErrCodeNotFound means the session does not exist.
	ErrCodeNotFound

	// ErrCodeForbidden means the caller does not own the session.
	ErrCodeForbidden

	// ErrCodeNoEdgesAvailable means no active edge met the selection
	// criteria; the caller falls back to the direct-storage path.
	ErrCodeNoEdgesAvailable

	// ErrCodeIntegrity means a hash mismatch at finalize. Nothing is
	// committed; chunk data is retained until TTL for diagnostics.
	ErrCodeIntegrity

	// ErrCodeQuotaExceeded means the owner's storage or bandwidth
	// limit blocks the upload before any session is created.
	ErrCodeQuotaExceeded

	// ErrCodeChunkTimeout means a chunk exhausted its retry budget
	// across alternate edges.
	ErrCodeChunkTimeout

	// ErrCodeSessionExpired means a resume was requested past the
	// session TTL; the caller must start over.
	ErrCodeSessionExpired

	// ErrCodeConflict means the session's current state does not allow
	// the operation, including a finalize already in flight.
	ErrCodeConflict

	ErrCodeInternal
)

// Error is an orchestrator error with a classification code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the classification of err, or ErrCodeInternal for
// errors that did not originate in the orchestrator.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeNone
	}
	if te, ok := err.(*Error); ok {
		return te.Code
	}
	return ErrCodeInternal
}
