// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string, chunkCount int) (*types.UploadSession, []*types.ChunkRecord) {
	now := time.Now()
	sess := &types.UploadSession{
		ID:         id,
		OwnerID:    "user-1",
		TotalSize:  int64(chunkCount) * 1024,
		ChunkSize:  1024,
		ChunkCount: chunkCount,
		Status:     types.StatusPlanned,
		CreatedAt:  now.UnixNano(),
		ExpiresAt:  now.Add(time.Hour).UnixNano(),
	}
	chunks := make([]*types.ChunkRecord, chunkCount)
	for i := range chunks {
		chunks[i] = &types.ChunkRecord{SessionID: id, Index: i, Status: types.ChunkPending}
	}
	return sess, chunks
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-1", 4)
	require.NoError(t, store.Create(ctx, sess, chunks))

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ChunkCount)
	assert.Equal(t, types.StatusPlanned, got.Status)
	assert.Empty(t, got.CompletedChunks)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreUpdateChunkCompletesSet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-2", 3)
	require.NoError(t, store.Create(ctx, sess, chunks))

	snap, err := store.UpdateChunk(ctx, &types.ChunkRecord{
		SessionID: "s-2", Index: 2, Status: types.ChunkCompleted, BytesTransferred: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, snap.CompletedChunks)

	// Completing the same chunk twice does not duplicate the entry.
	snap, err = store.UpdateChunk(ctx, &types.ChunkRecord{
		SessionID: "s-2", Index: 2, Status: types.ChunkCompleted, BytesTransferred: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, snap.CompletedChunks)

	snap, err = store.UpdateChunk(ctx, &types.ChunkRecord{
		SessionID: "s-2", Index: 0, Status: types.ChunkCompleted, BytesTransferred: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, snap.CompletedChunks)
	assert.Equal(t, []int{1}, snap.IncompleteChunks())
	assert.False(t, snap.AllChunksComplete())

	_, err = store.UpdateChunk(ctx, &types.ChunkRecord{SessionID: "s-2", Index: 7, Status: types.ChunkCompleted})
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestMemoryStoreChunkDowngradeLeavesCompletedSet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-9", 2)
	require.NoError(t, store.Create(ctx, sess, chunks))

	for _, idx := range []int{0, 1} {
		_, err := store.UpdateChunk(ctx, &types.ChunkRecord{
			SessionID: "s-9", Index: idx, Status: types.ChunkCompleted,
		})
		require.NoError(t, err)
	}

	// A chunk rewritten to failed is no longer counted as completed.
	snap, err := store.UpdateChunk(ctx, &types.ChunkRecord{
		SessionID: "s-9", Index: 1, Status: types.ChunkFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, snap.CompletedChunks)
	assert.False(t, snap.AllChunksComplete())
	assert.Equal(t, []int{1}, snap.IncompleteChunks())

	// Completing it again restores the set.
	snap, err = store.UpdateChunk(ctx, &types.ChunkRecord{
		SessionID: "s-9", Index: 1, Status: types.ChunkCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, snap.CompletedChunks)
	assert.True(t, snap.AllChunksComplete())
}

func TestMemoryStoreListChunksOrdered(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-3", 5)
	require.NoError(t, store.Create(ctx, sess, chunks))

	list, err := store.ListChunks(ctx, "s-3")
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, c := range list {
		assert.Equal(t, i, c.Index)
	}
}

func TestMemoryStoreCompareAndSwapStatus(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-4", 1)
	require.NoError(t, store.Create(ctx, sess, chunks))

	swapped, err := store.CompareAndSwapStatus(ctx, "s-4", types.StatusPlanned, types.StatusUploading)
	require.NoError(t, err)
	assert.True(t, swapped)

	// Wrong from-state: no swap, no error.
	swapped, err = store.CompareAndSwapStatus(ctx, "s-4", types.StatusPlanned, types.StatusUploading)
	require.NoError(t, err)
	assert.False(t, swapped)

	// Disallowed transition.
	_, err = store.CompareAndSwapStatus(ctx, "s-4", types.StatusUploading, types.StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	swapped, err = store.CompareAndSwapStatus(ctx, "s-4", types.StatusUploading, types.StatusVerifying)
	require.NoError(t, err)
	assert.True(t, swapped)

	// Only one caller wins the verifying transition.
	swapped, err = store.CompareAndSwapStatus(ctx, "s-4", types.StatusUploading, types.StatusVerifying)
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestMemoryStoreSetAssignments(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-5", 1)
	sess.AssignedEdges = []types.EdgeAssignment{{EdgeID: "edge-a", Weight: 1}}
	require.NoError(t, store.Create(ctx, sess, chunks))

	require.NoError(t, store.SetAssignments(ctx, "s-5", []types.EdgeAssignment{
		{EdgeID: "edge-b", Weight: 0.6},
		{EdgeID: "edge-c", Weight: 0.4},
	}))

	got, err := store.Get(ctx, "s-5")
	require.NoError(t, err)
	require.Len(t, got.AssignedEdges, 2)
	assert.Equal(t, "edge-b", got.AssignedEdges[0].EdgeID)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-6", 1)
	sess.ExpiresAt = time.Now().Add(-time.Minute).UnixNano()
	require.NoError(t, store.Create(ctx, sess, chunks))

	// Either the janitor already collected it or the expiry check
	// catches it; both surface as an error, never a stale session.
	_, err := store.Get(ctx, "s-6")
	require.Error(t, err)
	assert.True(t, err == ErrSessionExpired || err == ErrSessionNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-7", 1)
	require.NoError(t, store.Create(ctx, sess, chunks))
	require.NoError(t, store.Delete(ctx, "s-7"))

	_, err := store.Get(ctx, "s-7")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreResumeSurvivesSnapshotting(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	sess, chunks := newTestSession("s-8", 6)
	require.NoError(t, store.Create(ctx, sess, chunks))

	for _, idx := range []int{0, 2, 5} {
		_, err := store.UpdateChunk(ctx, &types.ChunkRecord{
			SessionID: "s-8", Index: idx, Status: types.ChunkCompleted,
		})
		require.NoError(t, err)
	}

	before, err := store.Get(ctx, "s-8")
	require.NoError(t, err)
	incomplete := before.IncompleteChunks()
	assert.Equal(t, []int{1, 3, 4}, incomplete)

	// A fresh read (as a resuming client would issue) sees the same set.
	after, err := store.Get(ctx, "s-8")
	require.NoError(t, err)
	assert.Equal(t, incomplete, after.IncompleteChunks())

	for _, idx := range incomplete {
		_, err := store.UpdateChunk(ctx, &types.ChunkRecord{
			SessionID: "s-8", Index: idx, Status: types.ChunkCompleted,
		})
		require.NoError(t, err)
	}
	final, err := store.Get(ctx, "s-8")
	require.NoError(t, err)
	assert.True(t, final.AllChunksComplete())
}
