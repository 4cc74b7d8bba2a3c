// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/agentcache/uplink/pkg/chunkplan"
	"github.com/agentcache/uplink/pkg/edge"
	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/types"
)

// assignChunks maps chunk indices onto edges in proportion to their
// selection weights. The mapping is deterministic: each chunk's
// midpoint position in [0,1) lands in exactly one edge's cumulative
// weight interval, so a 0.40-weight edge receives ~40% of chunks and
// re-running the assignment yields identical results.
func assignChunks(count int, ranked []edge.RankedEdge) []string {
	out := make([]string, count)
	if len(ranked) == 0 {
		return out
	}
	for i := 0; i < count; i++ {
		pos := (float64(i) + 0.5) / float64(count)
		var cum float64
		out[i] = ranked[len(ranked)-1].Edge.ID
		for _, r := range ranked {
			cum += r.Weight
			if pos < cum {
				out[i] = r.Edge.ID
				break
			}
		}
	}
	return out
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// chunkJob is one unit of work for the dispatch pool.
type chunkJob struct {
	index  int
	edgeID string
}

// Transfer pushes a planned or resumed session's outstanding chunks to
// their assigned edges, reading the file from src. Chunks move in
// parallel up to the plan's thread budget; a chunk that fails or times
// out on its edge is retried on an alternate edge, excluding edges
// that already failed for it. Once every chunk lands, the session is
// finalized.
func (o *Orchestrator) Transfer(ctx context.Context, sessionID, ownerID string, src io.ReaderAt) (*FinalizeResult, error) {
	sess, err := o.getOwnedSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() || sess.Status == types.StatusVerifying {
		return nil, &Error{Code: ErrCodeConflict, Message: "session is " + string(sess.Status)}
	}

	chunks, err := o.sessions.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, o.storeError(err)
	}

	var jobs []chunkJob
	for _, c := range chunks {
		if c.Status != types.ChunkCompleted {
			jobs = append(jobs, chunkJob{index: c.Index, edgeID: c.EdgeID})
		}
	}

	if len(jobs) > 0 {
		plan, err := chunkplan.Compute(sess.TotalSize, max(len(sess.AssignedEdges), 1))
		if err != nil {
			return nil, &Error{Code: ErrCodeInternal, Message: "recompute plan", Err: err}
		}
		if err := o.dispatch(ctx, sess, jobs, plan.Parallelism, src); err != nil {
			return nil, err
		}
	}

	return o.Finalize(ctx, sessionID, ownerID)
}

// dispatch runs the bounded worker pool. The first chunk failure
// cancels the remaining work.
func (o *Orchestrator) dispatch(ctx context.Context, sess *types.UploadSession, jobs []chunkJob, parallelism int, src io.ReaderAt) error {
	if parallelism > len(jobs) {
		parallelism = len(jobs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobCh := make(chan chunkJob)
	errCh := make(chan error, parallelism)
	var wg sync.WaitGroup

	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if err := o.transferChunk(ctx, sess, job, src); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

	for _, job := range jobs {
		select {
		case jobCh <- job:
		case <-ctx.Done():
		}
	}
	close(jobCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return &Error{Code: ErrCodeInternal, Message: "transfer cancelled", Err: err}
	}
	return nil
}

// transferChunk reads one chunk from src and delivers it, rotating to
// alternate edges on failure. Every edge that fails for this chunk is
// excluded from subsequent selections.
func (o *Orchestrator) transferChunk(ctx context.Context, sess *types.UploadSession, job chunkJob, src io.ReaderAt) error {
	length := chunkplan.Plan{ChunkSize: sess.ChunkSize}.ChunkLength(job.index, sess.TotalSize)
	data := make([]byte, length)
	if _, err := src.ReadAt(data, int64(job.index)*sess.ChunkSize); err != nil {
		return &Error{Code: ErrCodeInternal, Message: "read chunk from source", Err: err}
	}
	chunkHash := types.ContentHashFromBytes(data)

	payload := &ChunkPayload{
		SessionID: sess.ID,
		Index:     job.index,
		Hash:      chunkHash,
		Data:      data,
	}

	failed := make(map[string]struct{})
	edgeID := job.edgeID
	var lastErr error

	for attempt := 0; attempt <= o.maxChunkRetries; attempt++ {
		if edgeID == "" {
			break
		}
		loc, err := o.registry.Get(ctx, edgeID)
		if err != nil {
			lastErr = err
		} else {
			if _, err := o.RecordChunk(ctx, ChunkUpdate{
				SessionID: sess.ID, Index: job.index, Hash: chunkHash,
				EdgeID: edgeID, Status: types.ChunkUploading,
			}); err != nil {
				return err
			}

			attemptCtx, cancel := context.WithTimeout(ctx, o.chunkTimeout)
			start := time.Now()
			err = o.client.SendChunk(attemptCtx, loc, payload)
			cancel()

			if err == nil {
				chunkDuration.Observe(time.Since(start).Seconds())
				_, err = o.RecordChunk(ctx, ChunkUpdate{
					SessionID: sess.ID, Index: job.index, Hash: chunkHash,
					EdgeID: edgeID, Status: types.ChunkCompleted, Bytes: length,
				})
				return err
			}
			lastErr = err
			chunkRetriesTotal.Inc()
			logger.Ctx(ctx).Warn().Err(err).
				Str("session_id", sess.ID).
				Int("chunk", job.index).
				Str("edge_id", edgeID).
				Msg("transfer: chunk attempt failed, rotating edge")
		}

		if ctx.Err() != nil {
			break
		}

		failed[edgeID] = struct{}{}
		edgeID = o.alternateEdge(ctx, sess, failed)
	}

	_, recErr := o.RecordChunk(ctx, ChunkUpdate{
		SessionID: sess.ID, Index: job.index, Hash: chunkHash,
		EdgeID: job.edgeID, Status: types.ChunkFailed,
	})
	if recErr != nil {
		logger.Ctx(ctx).Warn().Err(recErr).Str("session_id", sess.ID).Msg("transfer: record chunk failure")
	}
	return &Error{Code: ErrCodeChunkTimeout, Message: "chunk exhausted its edges", Err: lastErr}
}

// alternateEdge picks the best currently-available edge for a retry,
// skipping every edge that already failed for this chunk. Returns ""
// when nothing is left.
func (o *Orchestrator) alternateEdge(ctx context.Context, sess *types.UploadSession, exclude map[string]struct{}) string {
	ranked, err := o.selector.Select(ctx, sess.Origin, sess.Priority, exclude)
	if err != nil {
		if !errors.Is(err, edge.ErrNoEdgesAvailable) {
			logger.Ctx(ctx).Warn().Err(err).Msg("transfer: retry selection failed")
		}
		return ""
	}
	return ranked[0].Edge.ID
}
