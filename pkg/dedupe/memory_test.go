// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

import (
	"context"
	"sync"
	"testing"

	"github.com/agentcache/uplink/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) types.ContentHash {
	return types.ContentHashFromBytes([]byte{b})
}

func TestMemoryIndexLookupMiss(t *testing.T) {
	idx := NewMemoryIndex()
	_, err := idx.Lookup(context.Background(), testHash(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIndexRejectsInvalidHash(t *testing.T) {
	idx := NewMemoryIndex()
	_, err := idx.Lookup(context.Background(), "not-a-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = idx.Commit(context.Background(), "not-a-hash", "objects/x", 1)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestMemoryIndexCommitThenLookup(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	hash := testHash(2)

	rec, err := idx.Commit(ctx, hash, hash.ObjectKey(), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RefCount)
	assert.Equal(t, hash.ObjectKey(), rec.ObjectKey)

	got, err := idx.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, rec.ObjectKey, got.ObjectKey)
	assert.Equal(t, int64(1024), got.Size)
}

func TestMemoryIndexCommitIdempotent(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	hash := testHash(3)

	first, err := idx.Commit(ctx, hash, hash.ObjectKey(), 100)
	require.NoError(t, err)

	second, err := idx.Commit(ctx, hash, "objects/would-be-duplicate", 100)
	require.NoError(t, err)

	// Loser keeps the winner's object key, count goes up.
	assert.Equal(t, first.ObjectKey, second.ObjectKey)
	assert.Equal(t, int64(2), second.RefCount)
}

func TestMemoryIndexConcurrentCommits(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	hash := testHash(4)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.Commit(ctx, hash, hash.ObjectKey(), 5000)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := idx.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.RefCount)
}

func TestMemoryIndexSizeMismatchIsIntegrityFailure(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	hash := testHash(5)

	_, err := idx.Commit(ctx, hash, hash.ObjectKey(), 100)
	require.NoError(t, err)

	_, err = idx.Commit(ctx, hash, hash.ObjectKey(), 999)
	assert.ErrorIs(t, err, ErrIntegrity)

	// Original record untouched.
	rec, err := idx.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.Size)
	assert.Equal(t, int64(1), rec.RefCount)
}

func TestMemoryIndexRelease(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	hash := testHash(6)

	_, err := idx.Commit(ctx, hash, hash.ObjectKey(), 10)
	require.NoError(t, err)
	_, err = idx.Commit(ctx, hash, hash.ObjectKey(), 10)
	require.NoError(t, err)

	require.NoError(t, idx.Release(ctx, hash))
	rec, err := idx.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RefCount)

	// Zero count keeps the record; only GC may collect it.
	require.NoError(t, idx.Release(ctx, hash))
	rec, err = idx.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.RefCount)

	assert.ErrorIs(t, idx.Release(ctx, testHash(7)), ErrNotFound)
}
