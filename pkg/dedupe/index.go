// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedupe maintains the content-hash deduplication index.
// A ContentRecord exists if and only if its content has been fully
// verified and stored; uploads whose hash is already indexed are
// short-circuited before any transfer.
package dedupe

import (
	"context"
	"errors"

	"github.com/agentcache/uplink/pkg/types"
)

// Common errors
var (
	ErrNotFound    = errors.New("content hash not found")
	ErrInvalidHash = errors.New("invalid content hash")

	// ErrIntegrity signals that a claimed hash does not match stored
	// content. Nothing is ever committed over an integrity failure.
	ErrIntegrity = errors.New("content integrity violation")
)

// Index maps content hash to already-stored object location.
//
// Commit is idempotent and safe under concurrent callers racing on the
// same hash: exactly one physical record is ever created per hash;
// losers of the race get a reference-count increment and the winner's
// object key. Lookup is O(1) amortized.
type Index interface {
	// Lookup returns the record for hash, or ErrNotFound.
	Lookup(ctx context.Context, hash types.ContentHash) (*types.ContentRecord, error)

	// Commit records verified content. If the hash is already present
	// the existing record's reference count is incremented and the
	// existing record returned; a size disagreement is an integrity
	// failure. size must match the stored content exactly.
	Commit(ctx context.Context, hash types.ContentHash, objectKey string, size int64) (*types.ContentRecord, error)

	// Release decrements the reference count for hash. Records are
	// never physically deleted while their reference count is above
	// zero; a zero count only marks the record eligible for GC.
	Release(ctx context.Context, hash types.ContentHash) error
}
