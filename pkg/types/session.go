// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package types

// SessionStatus is the state of an upload session.
//
// Planned -> Uploading -> Verifying -> Completed
// Any non-terminal state may transition to Failed. Completed and Failed
// are terminal. Uploading is re-enterable from itself on resume.
type SessionStatus string

const (
	StatusPlanned   SessionStatus = "planned"
	StatusUploading SessionStatus = "uploading"
	StatusVerifying SessionStatus = "verifying"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine permits s -> to.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch s {
	case StatusPlanned:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusUploading || to == StatusVerifying
	case StatusVerifying:
		return to == StatusCompleted
	}
	return false
}

// UploadSession is the durable record of one file's in-progress upload.
// Owned by the client that created it, resumable by session id plus
// owner credential from any client.
type UploadSession struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	FileName    string        `json:"file_name,omitempty"`
	TotalSize   int64         `json:"total_size"`
	ContentHash ContentHash   `json:"content_hash,omitempty"`
	ChunkSize   int64         `json:"chunk_size"`
	ChunkCount  int           `json:"chunk_count"`
	Status      SessionStatus `json:"status"`

	// Priority and Origin are retained so a resume can re-run edge
	// selection with the original request parameters.
	Priority Priority  `json:"priority,omitempty"`
	Origin   *GeoPoint `json:"origin,omitempty"`

	// CompletedChunks holds the indices of fully transferred chunks,
	// sorted ascending. Completion order is not meaningful.
	CompletedChunks []int `json:"completed_chunks,omitempty"`

	AssignedEdges []EdgeAssignment `json:"assigned_edges,omitempty"`

	CreatedAt int64 `json:"created_at"` // Unix nano timestamp
	ExpiresAt int64 `json:"expires_at"` // Unix nano timestamp
}

// CompletedSet returns the completed chunk indices as a set.
func (s *UploadSession) CompletedSet() map[int]struct{} {
	set := make(map[int]struct{}, len(s.CompletedChunks))
	for _, idx := range s.CompletedChunks {
		set[idx] = struct{}{}
	}
	return set
}

// IncompleteChunks returns the chunk indices not yet completed, ascending.
func (s *UploadSession) IncompleteChunks() []int {
	done := s.CompletedSet()
	var missing []int
	for i := 0; i < s.ChunkCount; i++ {
		if _, ok := done[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// AllChunksComplete reports whether every chunk index has completed.
func (s *UploadSession) AllChunksComplete() bool {
	return len(s.CompletedChunks) == s.ChunkCount
}

// ChunkStatus is the state of a single chunk transfer.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// ChunkRecord tracks one chunk of an upload session. Child of
// UploadSession; deleted together with it.
type ChunkRecord struct {
	SessionID        string      `json:"session_id"`
	Index            int         `json:"index"`
	Hash             ContentHash `json:"hash,omitempty"`
	EdgeID           string      `json:"edge_id,omitempty"`
	Status           ChunkStatus `json:"status"`
	BytesTransferred int64       `json:"bytes_transferred"`
	UpdatedAt        int64       `json:"updated_at"` // Unix nano timestamp
}
