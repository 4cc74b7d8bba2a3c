// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer drives the end-to-end upload flow: dedup check,
// edge selection, chunk planning, parallel chunk dispatch, completion
// verification and finalization.
package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/agentcache/uplink/pkg/blob"
	"github.com/agentcache/uplink/pkg/chunkplan"
	"github.com/agentcache/uplink/pkg/dedupe"
	"github.com/agentcache/uplink/pkg/edge"
	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/session"
	"github.com/agentcache/uplink/pkg/types"
	"github.com/agentcache/uplink/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Quota gates uploads on caller-side storage or bandwidth limits.
// A nil Quota admits everything.
type Quota interface {
	// Check returns an error if ownerID may not upload size more bytes.
	Check(ctx context.Context, ownerID string, size int64) error
}

// Config holds the orchestrator's collaborators and tuning knobs.
type Config struct {
	Registry edge.Registry
	Selector *edge.Selector
	Dedupe   dedupe.Index
	Sessions session.Store
	Blobs    blob.Store
	Client   EdgeClient
	Quota    Quota // optional

	// SessionTTL bounds how long an unfinished session survives.
	SessionTTL time.Duration

	// ChunkTimeout is the per-attempt deadline for one chunk transfer.
	ChunkTimeout time.Duration

	// MaxChunkRetries caps re-dispatches of a chunk to alternate edges
	// after its first attempt fails.
	MaxChunkRetries int
}

// Orchestrator coordinates the upload pipeline.
type Orchestrator struct {
	registry edge.Registry
	selector *edge.Selector
	dedupe   dedupe.Index
	sessions session.Store
	blobs    blob.Store
	client   EdgeClient
	quota    Quota

	sessionTTL      time.Duration
	chunkTimeout    time.Duration
	maxChunkRetries int
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("Registry is required")
	}
	if cfg.Selector == nil {
		return nil, errors.New("Selector is required")
	}
	if cfg.Dedupe == nil {
		return nil, errors.New("Dedupe index is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("Session store is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("Blob store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("Edge client is required")
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}
	if cfg.MaxChunkRetries <= 0 {
		cfg.MaxChunkRetries = 3
	}

	return &Orchestrator{
		registry:        cfg.Registry,
		selector:        cfg.Selector,
		dedupe:          cfg.Dedupe,
		sessions:        cfg.Sessions,
		blobs:           cfg.Blobs,
		client:          cfg.Client,
		quota:           cfg.Quota,
		sessionTTL:      cfg.SessionTTL,
		chunkTimeout:    cfg.ChunkTimeout,
		maxChunkRetries: cfg.MaxChunkRetries,
	}, nil
}

// FileMeta describes an upload request.
type FileMeta struct {
	OwnerID  string
	FileName string
	Size     int64
	Hash     types.ContentHash
	Origin   *types.GeoPoint
	Priority types.Priority
}

// DuplicateResult is the zero-cost-clone outcome: content already
// stored, no transfer performed.
type DuplicateResult struct {
	ObjectKey  string
	BytesSaved int64
}

// StartResult is the outcome of StartUpload. Exactly one of Duplicate
// or Session is set.
type StartResult struct {
	Duplicate *DuplicateResult
	Session   *types.UploadSession
	Plan      chunkplan.Plan
	Edges     []edge.RankedEdge
}

// PlanUpload runs the pre-transfer pipeline without creating a
// session: dedup check, edge selection and chunk planning. Clients use
// it to preview the transfer strategy before committing to an upload.
func (o *Orchestrator) PlanUpload(ctx context.Context, meta FileMeta) (*StartResult, error) {
	dup, ranked, plan, err := o.planFor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return &StartResult{Duplicate: dup}, nil
	}
	return &StartResult{Plan: plan, Edges: ranked}, nil
}

// StartUpload begins an upload. Content whose hash is already indexed
// short-circuits to a DuplicateResult without any transfer; otherwise a
// session is created in the Planned state with edges and a chunk plan
// assigned.
func (o *Orchestrator) StartUpload(ctx context.Context, meta FileMeta) (*StartResult, error) {
	dup, ranked, plan, err := o.planFor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return &StartResult{Duplicate: dup}, nil
	}

	now := time.Now()
	sess := &types.UploadSession{
		ID:          uuid.New().String(),
		OwnerID:     meta.OwnerID,
		FileName:    meta.FileName,
		TotalSize:   meta.Size,
		ContentHash: meta.Hash,
		ChunkSize:   plan.ChunkSize,
		ChunkCount:  plan.ChunkCount,
		Status:      types.StatusPlanned,
		Priority:    meta.Priority,
		Origin:      meta.Origin,
		CreatedAt:   now.UnixNano(),
		ExpiresAt:   now.Add(o.sessionTTL).UnixNano(),
	}
	for _, r := range ranked {
		sess.AssignedEdges = append(sess.AssignedEdges, types.EdgeAssignment{
			EdgeID: r.Edge.ID,
			Weight: r.Weight,
		})
	}

	assignments := assignChunks(plan.ChunkCount, ranked)
	chunks := make([]*types.ChunkRecord, plan.ChunkCount)
	for i := 0; i < plan.ChunkCount; i++ {
		chunks[i] = &types.ChunkRecord{
			SessionID: sess.ID,
			Index:     i,
			EdgeID:    assignments[i],
			Status:    types.ChunkPending,
			UpdatedAt: now.UnixNano(),
		}
	}

	if err := o.sessions.Create(ctx, sess, chunks); err != nil {
		return nil, &Error{Code: ErrCodeInternal, Message: "create session", Err: err}
	}

	uploadsTotal.WithLabelValues("started").Inc()
	logger.Ctx(ctx).Info().
		Str("session_id", sess.ID).
		Str("size", humanize.Bytes(uint64(meta.Size))).
		Int("chunks", plan.ChunkCount).
		Int("edges", len(ranked)).
		Msg("transfer: session planned")

	return &StartResult{Session: sess, Plan: plan, Edges: ranked}, nil
}

// planFor validates the request and runs dedup lookup, selection and
// planning. A non-nil DuplicateResult means the content already exists
// and its reference count has been bumped.
func (o *Orchestrator) planFor(ctx context.Context, meta FileMeta) (*DuplicateResult, []edge.RankedEdge, chunkplan.Plan, error) {
	var none chunkplan.Plan
	if !meta.Hash.Valid() {
		return nil, nil, none, &Error{Code: ErrCodeInvalidArgument, Message: "malformed content hash"}
	}
	if meta.Size <= 0 {
		return nil, nil, none, &Error{Code: ErrCodeInvalidArgument, Message: "file size must be positive"}
	}
	if meta.OwnerID == "" {
		return nil, nil, none, &Error{Code: ErrCodeInvalidArgument, Message: "owner id is required"}
	}

	if o.quota != nil {
		if err := o.quota.Check(ctx, meta.OwnerID, meta.Size); err != nil {
			return nil, nil, none, &Error{Code: ErrCodeQuotaExceeded, Message: "quota exceeded", Err: err}
		}
	}

	// Dedup check before anything else moves.
	existing, err := o.dedupe.Lookup(ctx, meta.Hash)
	if err == nil {
		if _, err := o.dedupe.Commit(ctx, meta.Hash, existing.ObjectKey, meta.Size); err != nil {
			if errors.Is(err, dedupe.ErrIntegrity) {
				return nil, nil, none, &Error{Code: ErrCodeIntegrity, Message: "content hash collision", Err: err}
			}
			return nil, nil, none, &Error{Code: ErrCodeInternal, Message: "dedup commit failed", Err: err}
		}
		dedupe.BytesSaved.Add(float64(meta.Size))
		uploadsTotal.WithLabelValues("duplicate").Inc()
		logger.Ctx(ctx).Info().
			Str("hash", meta.Hash.String()).
			Str("size", humanize.Bytes(uint64(meta.Size))).
			Msg("transfer: dedup hit, skipping upload")
		return &DuplicateResult{
			ObjectKey:  existing.ObjectKey,
			BytesSaved: meta.Size,
		}, nil, none, nil
	}
	if !errors.Is(err, dedupe.ErrNotFound) {
		return nil, nil, none, &Error{Code: ErrCodeInternal, Message: "dedup lookup failed", Err: err}
	}

	ranked, err := o.selector.Select(ctx, meta.Origin, meta.Priority, nil)
	if err != nil {
		if errors.Is(err, edge.ErrNoEdgesAvailable) {
			return nil, nil, none, &Error{Code: ErrCodeNoEdgesAvailable, Message: "no active edges", Err: err}
		}
		return nil, nil, none, &Error{Code: ErrCodeInternal, Message: "edge selection failed", Err: err}
	}

	plan, err := chunkplan.Compute(meta.Size, len(ranked))
	if err != nil {
		return nil, nil, none, &Error{Code: ErrCodeInvalidArgument, Message: "chunk planning failed", Err: err}
	}

	return nil, ranked, plan, nil
}

// ChunkUpdate reports one chunk's progress, typically from a client
// uploading directly to edges.
type ChunkUpdate struct {
	SessionID string
	Index     int
	Hash      types.ContentHash
	EdgeID    string
	Status    types.ChunkStatus
	Bytes     int64
}

// RecordChunk applies a chunk progress update and returns the resulting
// session snapshot. The first update moves a Planned session to
// Uploading.
func (o *Orchestrator) RecordChunk(ctx context.Context, update ChunkUpdate) (*types.UploadSession, error) {
	sess, err := o.getSession(ctx, update.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, &Error{Code: ErrCodeConflict, Message: "session is " + string(sess.Status)}
	}
	if sess.Status == types.StatusPlanned {
		// Lost races are fine: someone else moved it to Uploading.
		if _, err := o.sessions.CompareAndSwapStatus(ctx, sess.ID, types.StatusPlanned, types.StatusUploading); err != nil {
			return nil, o.storeError(err)
		}
	}

	snap, err := o.sessions.UpdateChunk(ctx, &types.ChunkRecord{
		SessionID:        update.SessionID,
		Index:            update.Index,
		Hash:             update.Hash,
		EdgeID:           update.EdgeID,
		Status:           update.Status,
		BytesTransferred: update.Bytes,
	})
	if err != nil {
		if errors.Is(err, session.ErrChunkOutOfRange) {
			return nil, &Error{Code: ErrCodeInvalidArgument, Message: "chunk index out of range", Err: err}
		}
		return nil, o.storeError(err)
	}

	if update.Status == types.ChunkCompleted {
		chunksCompleted.Inc()
	}
	return snap, nil
}

// FinalizeResult is the outcome of a successful finalization.
type FinalizeResult struct {
	Session *types.UploadSession
	Record  *types.ContentRecord
}

// Finalize verifies a fully uploaded session and commits it. The
// transition into Verifying is a compare-and-swap, so concurrent
// last-chunk completions can never double-finalize. On hash mismatch
// the session fails and nothing reaches the dedup index.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID, ownerID string) (*FinalizeResult, error) {
	sess, err := o.getOwnedSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if !sess.AllChunksComplete() {
		return nil, &Error{Code: ErrCodeConflict, Message: "session has incomplete chunks"}
	}

	swapped, err := o.sessions.CompareAndSwapStatus(ctx, sessionID, types.StatusUploading, types.StatusVerifying)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			return nil, &Error{Code: ErrCodeConflict, Message: "session not in uploading state", Err: err}
		}
		return nil, o.storeError(err)
	}
	if !swapped {
		return nil, &Error{Code: ErrCodeConflict, Message: "finalize already in progress"}
	}

	start := time.Now()
	record, err := o.verifyAndCommit(ctx, sess)
	if err != nil {
		o.failSession(ctx, sessionID, types.StatusVerifying)
		uploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	finalizeDuration.Observe(time.Since(start).Seconds())

	swapped, err = o.sessions.CompareAndSwapStatus(ctx, sessionID, types.StatusVerifying, types.StatusCompleted)
	if err != nil {
		return nil, o.storeError(err)
	}
	if !swapped {
		// A cancel landed while verification ran. The session keeps its
		// Failed state and stays until TTL; return the reference this
		// finalize claimed during commit.
		if relErr := o.dedupe.Release(ctx, sess.ContentHash); relErr != nil {
			logger.Ctx(ctx).Warn().Err(relErr).Str("session_id", sessionID).Msg("transfer: release after interrupted finalize failed")
		}
		return nil, &Error{Code: ErrCodeConflict, Message: "session cancelled during verification"}
	}
	snap, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, o.storeError(err)
	}

	// Successful sessions do not outlive their finalize.
	if err := o.sessions.Delete(ctx, sessionID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("transfer: session cleanup failed")
	}

	uploadsTotal.WithLabelValues("completed").Inc()
	logger.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Str("hash", record.Hash.String()).
		Str("size", humanize.Bytes(uint64(record.Size))).
		Msg("transfer: session completed")

	return &FinalizeResult{Session: snap, Record: record}, nil
}

// verifyAndCommit assembles the object from its staged chunks, hashing
// as it streams into the blob store, then commits to the dedup index
// only if the computed hash matches the claimed one.
func (o *Orchestrator) verifyAndCommit(ctx context.Context, sess *types.UploadSession) (*types.ContentRecord, error) {
	chunks, err := o.sessions.ListChunks(ctx, sess.ID)
	if err != nil {
		return nil, o.storeError(err)
	}

	objectKey := sess.ContentHash.ObjectKey()
	hasher := utils.Sha256PoolGetHasher()
	defer utils.Sha256PoolPutHasher(hasher)

	pr, pw := io.Pipe()
	putDone := make(chan error, 1)
	go func() {
		putDone <- o.blobs.Put(ctx, objectKey, pr, sess.TotalSize)
	}()

	streamErr := func() error {
		for _, chunk := range chunks {
			edgeLoc, err := o.registry.Get(ctx, chunk.EdgeID)
			if err != nil {
				return &Error{Code: ErrCodeInternal, Message: "chunk edge unknown", Err: err}
			}
			data, err := o.client.FetchChunk(ctx, edgeLoc, sess.ID, chunk.Index)
			if err != nil {
				return &Error{Code: ErrCodeInternal, Message: "fetch staged chunk", Err: err}
			}
			if chunk.Hash != "" && types.ContentHashFromBytes(data) != chunk.Hash {
				return &Error{Code: ErrCodeIntegrity, Message: "chunk hash mismatch", Err: dedupe.ErrIntegrity}
			}
			hasher.Write(data)
			if _, err := pw.Write(data); err != nil {
				return &Error{Code: ErrCodeInternal, Message: "assemble object", Err: err}
			}
		}
		return nil
	}()

	if streamErr != nil {
		pw.CloseWithError(streamErr)
		<-putDone
		o.blobs.Delete(ctx, objectKey)
		return nil, streamErr
	}
	pw.Close()
	if err := <-putDone; err != nil {
		return nil, &Error{Code: ErrCodeInternal, Message: "store object", Err: err}
	}

	computed := types.ContentHash(hexSum(hasher))
	if computed != sess.ContentHash {
		o.blobs.Delete(ctx, objectKey)
		return nil, &Error{Code: ErrCodeIntegrity, Message: "content hash mismatch", Err: dedupe.ErrIntegrity}
	}

	record, err := o.dedupe.Commit(ctx, sess.ContentHash, objectKey, sess.TotalSize)
	if err != nil {
		if errors.Is(err, dedupe.ErrIntegrity) {
			return nil, &Error{Code: ErrCodeIntegrity, Message: "dedup commit rejected", Err: err}
		}
		return nil, &Error{Code: ErrCodeInternal, Message: "dedup commit failed", Err: err}
	}
	return record, nil
}

// ResumeResult tells a resuming client what remains and where to send it.
type ResumeResult struct {
	Session    *types.UploadSession
	Incomplete []int
	Edges      []edge.RankedEdge
}

// Resume returns the incomplete chunk set and a freshly recomputed edge
// assignment for an interrupted session. Selection always re-runs:
// edges that went inactive since the session was planned simply drop
// out, and weights reflect current metrics.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, ownerID string) (*ResumeResult, error) {
	sess, err := o.getOwnedSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() || sess.Status == types.StatusVerifying {
		return nil, &Error{Code: ErrCodeConflict, Message: "session is " + string(sess.Status)}
	}

	ranked, err := o.selector.Select(ctx, sess.Origin, sess.Priority, nil)
	if err != nil {
		if errors.Is(err, edge.ErrNoEdgesAvailable) {
			return nil, &Error{Code: ErrCodeNoEdgesAvailable, Message: "no active edges", Err: err}
		}
		return nil, &Error{Code: ErrCodeInternal, Message: "edge selection failed", Err: err}
	}

	assignments := make([]types.EdgeAssignment, 0, len(ranked))
	for _, r := range ranked {
		assignments = append(assignments, types.EdgeAssignment{EdgeID: r.Edge.ID, Weight: r.Weight})
	}
	if err := o.sessions.SetAssignments(ctx, sessionID, assignments); err != nil {
		return nil, o.storeError(err)
	}

	if sess.Status == types.StatusPlanned {
		if _, err := o.sessions.CompareAndSwapStatus(ctx, sessionID, types.StatusPlanned, types.StatusUploading); err != nil {
			return nil, o.storeError(err)
		}
	}

	snap, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, o.storeError(err)
	}

	resumesTotal.Inc()
	return &ResumeResult{
		Session:    snap,
		Incomplete: snap.IncompleteChunks(),
		Edges:      ranked,
	}, nil
}

// Cancel marks a non-terminal session Failed. Staged chunk data is
// released, not deleted: a resume within TTL of the same session id
// can still skip already-landed chunks.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, ownerID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := o.getOwnedSession(ctx, sessionID, ownerID)
		if err != nil {
			return err
		}
		if sess.Status == types.StatusFailed {
			return nil
		}
		if sess.Status == types.StatusCompleted {
			return &Error{Code: ErrCodeConflict, Message: "session already completed"}
		}

		swapped, err := o.sessions.CompareAndSwapStatus(ctx, sessionID, sess.Status, types.StatusFailed)
		if err != nil {
			return o.storeError(err)
		}
		if swapped {
			uploadsTotal.WithLabelValues("cancelled").Inc()
			return nil
		}
	}
	return &Error{Code: ErrCodeConflict, Message: "session status kept changing"}
}

func (o *Orchestrator) getSession(ctx context.Context, id string) (*types.UploadSession, error) {
	sess, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, o.storeError(err)
	}
	return sess, nil
}

func (o *Orchestrator) getOwnedSession(ctx context.Context, id, ownerID string) (*types.UploadSession, error) {
	sess, err := o.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && sess.OwnerID != ownerID {
		return nil, &Error{Code: ErrCodeForbidden, Message: "not the session owner"}
	}
	return sess, nil
}

// failSession best-effort transitions a session to Failed from the
// given state.
func (o *Orchestrator) failSession(ctx context.Context, id string, from types.SessionStatus) {
	if _, err := o.sessions.CompareAndSwapStatus(ctx, id, from, types.StatusFailed); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("session_id", id).Msg("transfer: could not mark session failed")
	}
}

func (o *Orchestrator) storeError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return &Error{Code: ErrCodeNotFound, Message: "session not found", Err: err}
	case errors.Is(err, session.ErrSessionExpired):
		return &Error{Code: ErrCodeSessionExpired, Message: "session expired", Err: err}
	default:
		return &Error{Code: ErrCodeInternal, Message: "session store failure", Err: err}
	}
}
