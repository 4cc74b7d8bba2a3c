// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

import (
	"context"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// Compile-time interface verification
var _ Index = (*MemoryIndex)(nil)

// MemoryIndex is an in-memory Index backed by a lock-free concurrent
// map. Mutations to the same hash serialize inside Compute; different
// hashes never contend.
type MemoryIndex struct {
	records *xsync.MapOf[types.ContentHash, *types.ContentRecord]
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		records: xsync.NewMapOf[types.ContentHash, *types.ContentRecord](),
	}
}

func (m *MemoryIndex) Lookup(ctx context.Context, hash types.ContentHash) (*types.ContentRecord, error) {
	if !hash.Valid() {
		return nil, ErrInvalidHash
	}
	rec, ok := m.records.Load(hash)
	if !ok {
		lookupsTotal.WithLabelValues("miss").Inc()
		return nil, ErrNotFound
	}
	lookupsTotal.WithLabelValues("hit").Inc()
	cp := *rec
	return &cp, nil
}

func (m *MemoryIndex) Commit(ctx context.Context, hash types.ContentHash, objectKey string, size int64) (*types.ContentRecord, error) {
	if !hash.Valid() {
		return nil, ErrInvalidHash
	}

	var integrity bool
	rec, _ := m.records.Compute(hash, func(old *types.ContentRecord, loaded bool) (*types.ContentRecord, bool) {
		if !loaded {
			return &types.ContentRecord{
				Hash:      hash,
				ObjectKey: objectKey,
				Size:      size,
				RefCount:  1,
				FirstSeen: time.Now().UnixNano(),
			}, false
		}
		if old.Size != size {
			// Same hash, different content size: never overwrite.
			integrity = true
			return old, false
		}
		cp := *old
		cp.RefCount++
		return &cp, false
	})
	if integrity {
		return nil, ErrIntegrity
	}

	commitsTotal.Inc()
	cp := *rec
	return &cp, nil
}

func (m *MemoryIndex) Release(ctx context.Context, hash types.ContentHash) error {
	if !hash.Valid() {
		return ErrInvalidHash
	}

	var missing bool
	m.records.Compute(hash, func(old *types.ContentRecord, loaded bool) (*types.ContentRecord, bool) {
		if !loaded {
			missing = true
			return nil, true
		}
		cp := *old
		if cp.RefCount > 0 {
			cp.RefCount--
		}
		return &cp, false
	})
	if missing {
		return ErrNotFound
	}
	return nil
}
