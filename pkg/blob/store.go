// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob is the narrow object-store boundary: put, get and delete
// by key. Replication, encryption at rest and placement belong to the
// backing service, not to this interface.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("object not found")

// Store is the object-store interface the transfer pipeline finalizes
// into.
type Store interface {
	// Put stores size bytes from data under key, overwriting any
	// existing object.
	Put(ctx context.Context, key string, data io.Reader, size int64) error

	// Get returns a reader over the object at key. The caller must
	// close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}
