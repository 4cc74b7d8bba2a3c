// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists upload session and chunk state, enabling
// resume from any client across process restarts.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/agentcache/uplink/pkg/types"
)

// DefaultTTL bounds how long an unfinished session is retained.
const DefaultTTL = 7 * 24 * time.Hour

// Common errors
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrChunkOutOfRange   = errors.New("chunk index out of range")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// Store is the durable record of in-flight transfers.
//
// All mutations to a given session id are serialized by the
// implementation (per-key locking or database row atomicity); mutations
// to different sessions are fully independent.
type Store interface {
	// Create persists a new session together with its chunk records.
	Create(ctx context.Context, sess *types.UploadSession, chunks []*types.ChunkRecord) error

	// Get returns a session with its completed-chunk set populated.
	// Returns ErrSessionExpired for sessions past their TTL.
	Get(ctx context.Context, id string) (*types.UploadSession, error)

	// UpdateChunk upserts a chunk record. A transition to
	// ChunkCompleted atomically adds the index to the session's
	// completed set. Returns the post-update session snapshot.
	UpdateChunk(ctx context.Context, rec *types.ChunkRecord) (*types.UploadSession, error)

	// ListChunks returns all chunk records for a session, ordered by
	// index.
	ListChunks(ctx context.Context, id string) ([]*types.ChunkRecord, error)

	// CompareAndSwapStatus transitions the session from -> to only if
	// its current status equals from and the state machine allows the
	// transition. Returns whether the swap happened. The swap is the
	// single-writer guard for finalization.
	CompareAndSwapStatus(ctx context.Context, id string, from, to types.SessionStatus) (bool, error)

	// SetAssignments replaces the session's edge assignments, used when
	// a resume recomputes edge weights.
	SetAssignments(ctx context.Context, id string, edges []types.EdgeAssignment) error

	// Delete removes the session and its chunk records.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes sessions past their TTL and returns how
	// many were removed.
	DeleteExpired(ctx context.Context) (int, error)
}
