// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agentcache/uplink/pkg/types"
)

// ChunkPayload is one chunk handed to an edge.
type ChunkPayload struct {
	SessionID string
	Index     int
	Hash      types.ContentHash
	Data      []byte
}

// EdgeClient moves chunk bytes to and from edge endpoints. Implementations
// must be safe for concurrent use; the dispatcher calls SendChunk from
// many workers at once.
type EdgeClient interface {
	// SendChunk delivers a chunk to an edge for staging.
	SendChunk(ctx context.Context, edge *types.EdgeLocation, payload *ChunkPayload) error

	// FetchChunk retrieves a staged chunk from the edge that holds it,
	// used during finalization to assemble and verify the object.
	FetchChunk(ctx context.Context, edge *types.EdgeLocation, sessionID string, index int) ([]byte, error)
}

// Compile-time interface verification
var _ EdgeClient = (*HTTPEdgeClient)(nil)

// HTTPEdgeClient talks to edges over their chunk-staging HTTP API.
type HTTPEdgeClient struct {
	client *http.Client
}

// NewHTTPEdgeClient creates an edge client with the given timeout as
// the transport-level bound; per-chunk deadlines come from the caller's
// context.
func NewHTTPEdgeClient(timeout time.Duration) *HTTPEdgeClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPEdgeClient{
		client: &http.Client{Timeout: timeout},
	}
}

func chunkURL(edge *types.EdgeLocation, sessionID string, index int) string {
	return edge.URL + "/v1/chunks/" + sessionID + "/" + strconv.Itoa(index)
}

func (c *HTTPEdgeClient) SendChunk(ctx context.Context, edge *types.EdgeLocation, payload *ChunkPayload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		chunkURL(edge, payload.SessionID, payload.Index), bytes.NewReader(payload.Data))
	if err != nil {
		return fmt.Errorf("build chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Chunk-Hash", payload.Hash.String())
	req.ContentLength = int64(len(payload.Data))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send chunk to edge %s: %w", edge.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("edge %s rejected chunk: status %d", edge.ID, resp.StatusCode)
	}
	return nil
}

func (c *HTTPEdgeClient) FetchChunk(ctx context.Context, edge *types.EdgeLocation, sessionID string, index int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunkURL(edge, sessionID, index), nil)
	if err != nil {
		return nil, fmt.Errorf("build chunk request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk from edge %s: %w", edge.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("edge %s missing chunk %d: status %d", edge.ID, index, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
