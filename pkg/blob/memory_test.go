// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := []byte("object bytes")
	require.NoError(t, store.Put(ctx, "objects/ab/cd/key", bytes.NewReader(data), int64(len(data))))

	rd, err := store.Get(ctx, "objects/ab/cd/key")
	require.NoError(t, err)
	defer rd.Close()

	got, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemoryStoreSizeMismatch(t *testing.T) {
	store := NewMemoryStore()
	err := store.Put(context.Background(), "k", bytes.NewReader([]byte("short")), 999)
	assert.Error(t, err)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", bytes.NewReader([]byte("v")), 1))
	require.NoError(t, store.Delete(ctx, "k"))
	assert.Equal(t, 0, store.Len())

	// Deleting a missing key is not an error.
	assert.NoError(t, store.Delete(ctx, "k"))
}
