// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentcache/uplink/pkg/session"
	"github.com/agentcache/uplink/pkg/transfer"
)

// errorEnvelope is the JSON error body every endpoint returns on
// failure. Fallback, when set, names the path the client should take
// instead of edge-accelerated upload.
type errorEnvelope struct {
	Error    string `json:"error"`
	Details  string `json:"details,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

// fallbackDirect tells clients to upload straight to origin storage.
const fallbackDirect = "direct"

// statusOf maps orchestrator error codes onto HTTP status codes.
func statusOf(code transfer.ErrorCode) int {
	switch code {
	case transfer.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case transfer.ErrCodeForbidden:
		return http.StatusForbidden
	case transfer.ErrCodeNotFound, transfer.ErrCodeSessionExpired:
		return http.StatusNotFound
	case transfer.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case transfer.ErrCodeConflict:
		return http.StatusConflict
	case transfer.ErrCodeNoEdgesAvailable, transfer.ErrCodeChunkTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the error envelope. Orchestrator errors carry their
// own message; anything else is reported as an internal error without
// leaking detail.
func writeError(w http.ResponseWriter, err error) {
	var te *transfer.Error
	if errors.As(err, &te) {
		env := errorEnvelope{Error: te.Message}
		if te.Err != nil && statusOf(te.Code) < http.StatusInternalServerError {
			env.Details = te.Err.Error()
		}
		if te.Code == transfer.ErrCodeNoEdgesAvailable {
			env.Fallback = fallbackDirect
		}
		writeEnvelope(w, statusOf(te.Code), env)
		return
	}
	writeEnvelope(w, http.StatusInternalServerError, errorEnvelope{Error: "internal error"})
}

func writeErrorStatus(w http.ResponseWriter, status int, msg, details string) {
	writeEnvelope(w, status, errorEnvelope{Error: msg, Details: details})
}

func writeEnvelope(w http.ResponseWriter, status int, env errorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// wrapStoreError classifies raw session store errors the same way the
// orchestrator does.
func wrapStoreError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return &transfer.Error{Code: transfer.ErrCodeNotFound, Message: "session not found", Err: err}
	case errors.Is(err, session.ErrSessionExpired):
		return &transfer.Error{Code: transfer.ErrCodeSessionExpired, Message: "session expired", Err: err}
	default:
		return &transfer.Error{Code: transfer.ErrCodeInternal, Message: "session store failure", Err: err}
	}
}
