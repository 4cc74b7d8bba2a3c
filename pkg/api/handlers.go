// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentcache/uplink/pkg/dedupe"
	"github.com/agentcache/uplink/pkg/edge"
	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/transfer"
	"github.com/agentcache/uplink/pkg/types"
)

type optimalEdgesRequest struct {
	UserID       string          `json:"userId"`
	FileSize     int64           `json:"fileSize"`
	FileHash     string          `json:"fileHash"`
	FileName     string          `json:"fileName,omitempty"`
	UserLocation *types.GeoPoint `json:"userLocation,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Budget       float64         `json:"budget,omitempty"`
}

type strategyBody struct {
	ChunkSize     int64   `json:"chunkSize"`
	Threads       int     `json:"threads"`
	EstimatedTime float64 `json:"estimatedTime"`
	EstimatedCost float64 `json:"estimatedCost"`
}

type edgeBody struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Latency  float64 `json:"latency"`
	Load     float64 `json:"load"`
	Distance float64 `json:"distance"`
	Weight   float64 `json:"weight"`
}

type duplicateBody struct {
	FileID     string  `json:"fileId"`
	URL        string  `json:"url"`
	SavedBytes int64   `json:"savedBytes"`
	SavedCost  float64 `json:"savedCost"`
}

type optimalEdgesResponse struct {
	Strategy  *strategyBody  `json:"strategy,omitempty"`
	Edges     []edgeBody     `json:"edges,omitempty"`
	Duplicate *duplicateBody `json:"duplicate"`
}

func (s *Server) handleOptimalEdges(w http.ResponseWriter, r *http.Request) {
	var req optimalEdgesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}

	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid priority", err.Error())
		return
	}
	// A budget with no explicit priority asks for the cheapest edges.
	if req.Budget > 0 && req.Priority == "" {
		priority = types.PriorityCost
	}

	result, err := s.orch.PlanUpload(r.Context(), transfer.FileMeta{
		OwnerID:  req.UserID,
		FileName: req.FileName,
		Size:     req.FileSize,
		Hash:     types.ContentHash(req.FileHash),
		Origin:   req.UserLocation,
		Priority: priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Duplicate != nil {
		writeJSON(w, http.StatusOK, optimalEdgesResponse{
			Duplicate: &duplicateBody{
				FileID:     req.FileHash,
				URL:        result.Duplicate.ObjectKey,
				SavedBytes: result.Duplicate.BytesSaved,
				SavedCost:  costOf(result.Duplicate.BytesSaved, defaultCostPerGB),
			},
		})
		return
	}

	resp := optimalEdgesResponse{
		Strategy: &strategyBody{
			ChunkSize:     result.Plan.ChunkSize,
			Threads:       result.Plan.Parallelism,
			EstimatedTime: estimateSeconds(req.FileSize, result.Edges),
			EstimatedCost: estimateCost(req.FileSize, result.Edges),
		},
	}
	for _, e := range result.Edges {
		resp.Edges = append(resp.Edges, edgeBody{
			ID:       e.Edge.ID,
			URL:      e.Edge.URL,
			Latency:  e.Metric.LatencyMs,
			Load:     e.Metric.LoadPercent,
			Distance: e.DistanceKm,
			Weight:   e.Weight,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkDuplicateRequest struct {
	FileHash string `json:"fileHash"`
	UserID   string `json:"userId"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

type checkDuplicateResponse struct {
	IsDuplicate bool `json:"isDuplicate"`
	File        *struct {
		FileID string `json:"fileId"`
		URL    string `json:"url"`
		Size   int64  `json:"size"`
	} `json:"file,omitempty"`
	Savings *struct {
		Bytes int64   `json:"bytes"`
		Cost  float64 `json:"cost"`
	} `json:"savings,omitempty"`
}

// handleCheckDuplicate is a pure read: it never touches reference
// counts. Only an actual upload request claims a reference.
func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req checkDuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	hash := types.ContentHash(req.FileHash)
	if !hash.Valid() {
		writeErrorStatus(w, http.StatusBadRequest, "malformed content hash", "")
		return
	}

	record, err := s.dedupe.Lookup(r.Context(), hash)
	if errors.Is(err, dedupe.ErrNotFound) {
		writeJSON(w, http.StatusOK, checkDuplicateResponse{IsDuplicate: false})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	resp := checkDuplicateResponse{IsDuplicate: true}
	resp.File = &struct {
		FileID string `json:"fileId"`
		URL    string `json:"url"`
		Size   int64  `json:"size"`
	}{FileID: record.Hash.String(), URL: record.ObjectKey, Size: record.Size}
	resp.Savings = &struct {
		Bytes int64   `json:"bytes"`
		Cost  float64 `json:"cost"`
	}{Bytes: record.Size, Cost: costOf(record.Size, defaultCostPerGB)}
	writeJSON(w, http.StatusOK, resp)
}

type cacheChunkRequest struct {
	SessionID     string `json:"sessionId"`
	ChunkIndex    int    `json:"chunkIndex"`
	ChunkHash     string `json:"chunkHash,omitempty"`
	EdgeID        string `json:"edgeId,omitempty"`
	Status        string `json:"status"`
	BytesUploaded int64  `json:"bytesUploaded,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

type cacheChunkResponse struct {
	Success bool `json:"success"`
	Chunk   struct {
		SessionID  string `json:"sessionId"`
		ChunkIndex int    `json:"chunkIndex"`
		Status     string `json:"status"`
	} `json:"chunk"`
}

func (s *Server) handleCacheChunk(w http.ResponseWriter, r *http.Request) {
	var req cacheChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	status, ok := parseChunkStatus(req.Status)
	if !ok {
		writeErrorStatus(w, http.StatusBadRequest, "invalid chunk status", req.Status)
		return
	}
	if req.ErrorMessage != "" {
		logger.Ctx(r.Context()).Warn().
			Str("session_id", req.SessionID).
			Int("chunk", req.ChunkIndex).
			Str("edge_id", req.EdgeID).
			Str("error", req.ErrorMessage).
			Msg("api: client reported chunk failure")
	}

	_, err := s.orch.RecordChunk(r.Context(), transfer.ChunkUpdate{
		SessionID: req.SessionID,
		Index:     req.ChunkIndex,
		Hash:      types.ContentHash(req.ChunkHash),
		EdgeID:    req.EdgeID,
		Status:    status,
		Bytes:     req.BytesUploaded,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := cacheChunkResponse{Success: true}
	resp.Chunk.SessionID = req.SessionID
	resp.Chunk.ChunkIndex = req.ChunkIndex
	resp.Chunk.Status = string(status)
	writeJSON(w, http.StatusOK, resp)
}

type chunkListBody struct {
	ChunkIndex    int    `json:"chunkIndex"`
	Status        string `json:"status"`
	ChunkHash     string `json:"chunkHash,omitempty"`
	EdgeID        string `json:"edgeId,omitempty"`
	BytesUploaded int64  `json:"bytesUploaded"`
}

type listChunksResponse struct {
	Chunks []chunkListBody `json:"chunks"`
	Total  int             `json:"total"`
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "sessionId is required", "")
		return
	}

	chunks, err := s.sessions.ListChunks(r.Context(), sessionID)
	if err != nil {
		writeError(w, storeHTTPError(err))
		return
	}

	resp := listChunksResponse{Chunks: make([]chunkListBody, 0, len(chunks)), Total: len(chunks)}
	for _, c := range chunks {
		resp.Chunks = append(resp.Chunks, chunkListBody{
			ChunkIndex:    c.Index,
			Status:        string(c.Status),
			ChunkHash:     c.Hash.String(),
			EdgeID:        c.EdgeID,
			BytesUploaded: c.BytesTransferred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type trackUploadRequest struct {
	Action string `json:"action"`

	// start
	UserID       string          `json:"userId,omitempty"`
	FileName     string          `json:"fileName,omitempty"`
	FileSize     int64           `json:"fileSize,omitempty"`
	FileHash     string          `json:"fileHash,omitempty"`
	UserLocation *types.GeoPoint `json:"userLocation,omitempty"`
	Priority     string          `json:"priority,omitempty"`

	// progress / complete / fail
	SessionID     string `json:"sessionId,omitempty"`
	ChunkIndex    int    `json:"chunkIndex,omitempty"`
	ChunkHash     string `json:"chunkHash,omitempty"`
	EdgeID        string `json:"edgeId,omitempty"`
	BytesUploaded int64  `json:"bytesUploaded,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleTrackUpload(w http.ResponseWriter, r *http.Request) {
	var req trackUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}

	switch req.Action {
	case "start":
		s.trackStart(w, r, req)
	case "progress":
		s.trackProgress(w, r, req)
	case "complete":
		s.trackComplete(w, r, req)
	case "fail":
		s.trackFail(w, r, req)
	default:
		writeErrorStatus(w, http.StatusBadRequest, "unknown action", req.Action)
	}
}

type trackStartResponse struct {
	SessionID     string         `json:"sessionId,omitempty"`
	FileID        string         `json:"fileId"`
	ChunksTotal   int            `json:"chunksTotal,omitempty"`
	EstimatedTime float64        `json:"estimatedTime,omitempty"`
	Duplicate     *duplicateBody `json:"duplicate,omitempty"`
}

func (s *Server) trackStart(w http.ResponseWriter, r *http.Request, req trackUploadRequest) {
	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid priority", err.Error())
		return
	}

	result, err := s.orch.StartUpload(r.Context(), transfer.FileMeta{
		OwnerID:  req.UserID,
		FileName: req.FileName,
		Size:     req.FileSize,
		Hash:     types.ContentHash(req.FileHash),
		Origin:   req.UserLocation,
		Priority: priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Duplicate != nil {
		writeJSON(w, http.StatusOK, trackStartResponse{
			FileID: req.FileHash,
			Duplicate: &duplicateBody{
				FileID:     req.FileHash,
				URL:        result.Duplicate.ObjectKey,
				SavedBytes: result.Duplicate.BytesSaved,
				SavedCost:  costOf(result.Duplicate.BytesSaved, defaultCostPerGB),
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, trackStartResponse{
		SessionID:     result.Session.ID,
		FileID:        req.FileHash,
		ChunksTotal:   result.Plan.ChunkCount,
		EstimatedTime: estimateSeconds(req.FileSize, result.Edges),
	})
}

type trackProgressResponse struct {
	Success         bool    `json:"success"`
	CompletedChunks int     `json:"completedChunks"`
	ChunksTotal     int     `json:"chunksTotal"`
	Percent         float64 `json:"percent"`
}

func (s *Server) trackProgress(w http.ResponseWriter, r *http.Request, req trackUploadRequest) {
	snap, err := s.orch.RecordChunk(r.Context(), transfer.ChunkUpdate{
		SessionID: req.SessionID,
		Index:     req.ChunkIndex,
		Hash:      types.ContentHash(req.ChunkHash),
		EdgeID:    req.EdgeID,
		Status:    types.ChunkCompleted,
		Bytes:     req.BytesUploaded,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	completed := len(snap.CompletedChunks)
	resp := trackProgressResponse{
		Success:         true,
		CompletedChunks: completed,
		ChunksTotal:     snap.ChunkCount,
	}
	if snap.ChunkCount > 0 {
		resp.Percent = float64(completed) / float64(snap.ChunkCount) * 100
	}
	writeJSON(w, http.StatusOK, resp)
}

type trackCompleteResponse struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
}

func (s *Server) trackComplete(w http.ResponseWriter, r *http.Request, req trackUploadRequest) {
	result, err := s.orch.Finalize(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackCompleteResponse{
		Success: true,
		FileID:  result.Record.Hash.String(),
		URL:     result.Record.ObjectKey,
		Size:    result.Record.Size,
	})
}

func (s *Server) trackFail(w http.ResponseWriter, r *http.Request, req trackUploadRequest) {
	if req.Reason != "" {
		logger.Ctx(r.Context()).Info().
			Str("session_id", req.SessionID).
			Str("reason", req.Reason).
			Msg("api: client reported upload failure")
	}
	if err := s.orch.Cancel(r.Context(), req.SessionID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type resumeUploadRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type resumeUploadResponse struct {
	SessionID        string     `json:"sessionId"`
	ChunksTotal      int        `json:"chunksTotal"`
	IncompleteChunks []int      `json:"incompleteChunks"`
	Edges            []edgeBody `json:"edges"`
}

func (s *Server) handleResumeUpload(w http.ResponseWriter, r *http.Request) {
	var req resumeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}

	result, err := s.orch.Resume(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := resumeUploadResponse{
		SessionID:        result.Session.ID,
		ChunksTotal:      result.Session.ChunkCount,
		IncompleteChunks: result.Incomplete,
	}
	if resp.IncompleteChunks == nil {
		resp.IncompleteChunks = []int{}
	}
	for _, e := range result.Edges {
		resp.Edges = append(resp.Edges, edgeBody{
			ID:       e.Edge.ID,
			URL:      e.Edge.URL,
			Latency:  e.Metric.LatencyMs,
			Load:     e.Metric.LoadPercent,
			Distance: e.DistanceKm,
			Weight:   e.Weight,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseChunkStatus(s string) (types.ChunkStatus, bool) {
	switch types.ChunkStatus(s) {
	case types.ChunkPending, types.ChunkUploading, types.ChunkCompleted, types.ChunkFailed:
		return types.ChunkStatus(s), true
	case "":
		return types.ChunkUploading, true
	}
	return "", false
}

// estimateSeconds projects transfer time from the selected edges'
// aggregate bandwidth, which parallel streams can saturate.
func estimateSeconds(size int64, edges []edge.RankedEdge) float64 {
	var totalMbps float64
	for _, e := range edges {
		totalMbps += e.Metric.BandwidthMbps
	}
	if totalMbps <= 0 {
		return 0
	}
	bits := float64(size) * 8
	return bits / (totalMbps * 1e6)
}

// estimateCost prices the upload using each edge's per-GB rate weighted
// by the share of chunks it will carry.
func estimateCost(size int64, edges []edge.RankedEdge) float64 {
	gb := float64(size) / (1024 * 1024 * 1024)
	var cost float64
	for _, e := range edges {
		rate := e.Edge.CostPerGB
		if rate <= 0 {
			rate = defaultCostPerGB
		}
		cost += e.Weight * gb * rate
	}
	return cost
}

func costOf(bytes int64, perGB float64) float64 {
	return float64(bytes) / (1024 * 1024 * 1024) * perGB
}

// storeHTTPError adapts raw session store errors for endpoints that
// bypass the orchestrator.
func storeHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var te *transfer.Error
	if errors.As(err, &te) {
		return err
	}
	return wrapStoreError(err)
}
