// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the upload acceleration HTTP/JSON API: edge
// selection, duplicate checks, chunk progress tracking and session
// lifecycle, bearer-token authenticated.
package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentcache/uplink/pkg/dedupe"
	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/session"
	"github.com/agentcache/uplink/pkg/transfer"

	"github.com/google/uuid"
)

// defaultCostPerGB prices savings estimates when an edge carries no
// explicit rate.
const defaultCostPerGB = 0.05

// Config wires the API server's collaborators.
type Config struct {
	Orchestrator *transfer.Orchestrator
	Dedupe       dedupe.Index
	Sessions     session.Store

	// AuthToken is the bearer token clients must present. Empty
	// disables authentication (local development only).
	AuthToken string

	// RateLimiter is optional; nil disables the 429 path.
	RateLimiter *RateLimiter
}

// Server is the HTTP handler for the upload API.
type Server struct {
	orch     *transfer.Orchestrator
	dedupe   dedupe.Index
	sessions session.Store

	authToken string
	limiter   *RateLimiter

	mux *http.ServeMux
}

// NewServer creates the API server and its route table.
func NewServer(cfg Config) *Server {
	s := &Server{
		orch:      cfg.Orchestrator,
		dedupe:    cfg.Dedupe,
		sessions:  cfg.Sessions,
		authToken: cfg.AuthToken,
		limiter:   cfg.RateLimiter,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /optimal-edges", s.handleOptimalEdges)
	s.mux.HandleFunc("POST /check-duplicate", s.handleCheckDuplicate)
	s.mux.HandleFunc("POST /cache-chunk", s.handleCacheChunk)
	s.mux.HandleFunc("GET /cache-chunk", s.handleListChunks)
	s.mux.HandleFunc("POST /track-upload", s.handleTrackUpload)
	s.mux.HandleFunc("POST /resume-upload", s.handleResumeUpload)

	return s
}

// ServeHTTP applies the middleware chain, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.New().String()

	l := logger.Ctx(r.Context()).With().
		Str("request_id", reqID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()
	ctx := logger.WithLogger(r.Context(), &l)
	r = r.WithContext(ctx)
	w.Header().Set("X-Request-Id", reqID)

	if !s.authenticate(r) {
		httpRequests.WithLabelValues(r.URL.Path, "401").Inc()
		writeErrorStatus(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(ctx, clientKey(r)) {
		httpRequests.WithLabelValues(r.URL.Path, "429").Inc()
		writeErrorStatus(w, http.StatusTooManyRequests, "rate limit exceeded", "")
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	httpRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	httpDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	l.Debug().Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("api: request")
}

// authenticate verifies the bearer token in constant time.
func (s *Server) authenticate(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := auth[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// clientKey is the rate-limit bucket key: the caller's address.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
