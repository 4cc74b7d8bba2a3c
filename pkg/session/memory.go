// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	"github.com/jellydator/ttlcache/v3"
)

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)

// memSession serializes all mutations to one session behind its own
// mutex. Different sessions never contend.
type memSession struct {
	mu     sync.Mutex
	sess   *types.UploadSession
	chunks map[int]*types.ChunkRecord
}

// MemoryStore is an in-memory Store with TTL expiry handled by the
// underlying cache. Sessions do not survive restarts; use the SQL store
// for durable deployments.
type MemoryStore struct {
	cache *ttlcache.Cache[string, *memSession]
}

// NewMemoryStore creates an in-memory store. Entries expire at their
// session TTL; the cache's janitor goroutine runs until Stop is called.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, *memSession](
		ttlcache.WithTTL[string, *memSession](DefaultTTL),
		ttlcache.WithDisableTouchOnHit[string, *memSession](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Stop shuts down the expiry janitor.
func (m *MemoryStore) Stop() {
	m.cache.Stop()
}

func (m *MemoryStore) Create(ctx context.Context, sess *types.UploadSession, chunks []*types.ChunkRecord) error {
	cp := cloneSession(sess)
	ms := &memSession{
		sess:   cp,
		chunks: make(map[int]*types.ChunkRecord, len(chunks)),
	}
	for _, c := range chunks {
		cc := *c
		ms.chunks[c.Index] = &cc
	}

	ttl := ttlcache.DefaultTTL
	if sess.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(0, sess.ExpiresAt))
	}
	m.cache.Set(sess.ID, ms, ttl)
	return nil
}

func (m *MemoryStore) get(id string) (*memSession, error) {
	item := m.cache.Get(id)
	if item == nil {
		return nil, ErrSessionNotFound
	}
	ms := item.Value()
	if ms.sess.ExpiresAt > 0 && time.Now().UnixNano() > ms.sess.ExpiresAt {
		return nil, ErrSessionExpired
	}
	return ms, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return cloneSession(ms.sess), nil
}

func (m *MemoryStore) UpdateChunk(ctx context.Context, rec *types.ChunkRecord) (*types.UploadSession, error) {
	ms, err := m.get(rec.SessionID)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if rec.Index < 0 || rec.Index >= ms.sess.ChunkCount {
		return nil, ErrChunkOutOfRange
	}

	cc := *rec
	if cc.UpdatedAt == 0 {
		cc.UpdatedAt = time.Now().UnixNano()
	}
	prev := ms.chunks[rec.Index]
	ms.chunks[rec.Index] = &cc

	wasCompleted := prev != nil && prev.Status == types.ChunkCompleted
	switch {
	case cc.Status == types.ChunkCompleted && !wasCompleted:
		ms.sess.CompletedChunks = append(ms.sess.CompletedChunks, rec.Index)
		sort.Ints(ms.sess.CompletedChunks)
	case cc.Status != types.ChunkCompleted && wasCompleted:
		// A rewrite away from completed drops the index, keeping the
		// set equal to the chunks whose current status is completed.
		kept := ms.sess.CompletedChunks[:0]
		for _, idx := range ms.sess.CompletedChunks {
			if idx != rec.Index {
				kept = append(kept, idx)
			}
		}
		ms.sess.CompletedChunks = kept
	}
	return cloneSession(ms.sess), nil
}

func (m *MemoryStore) ListChunks(ctx context.Context, id string) ([]*types.ChunkRecord, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]*types.ChunkRecord, 0, len(ms.chunks))
	for _, c := range ms.chunks {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryStore) CompareAndSwapStatus(ctx context.Context, id string, from, to types.SessionStatus) (bool, error) {
	ms, err := m.get(id)
	if err != nil {
		return false, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sess.Status != from {
		return false, nil
	}
	if !from.CanTransition(to) {
		return false, ErrInvalidTransition
	}
	ms.sess.Status = to
	return true, nil
}

func (m *MemoryStore) SetAssignments(ctx context.Context, id string, edges []types.EdgeAssignment) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.sess.AssignedEdges = append([]types.EdgeAssignment(nil), edges...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.cache.Delete(id)
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context) (int, error) {
	before := m.cache.Len()
	m.cache.DeleteExpired()
	removed := before - m.cache.Len()
	if removed < 0 {
		removed = 0
	}
	return removed, nil
}

func cloneSession(s *types.UploadSession) *types.UploadSession {
	cp := *s
	cp.CompletedChunks = append([]int(nil), s.CompletedChunks...)
	cp.AssignedEdges = append([]types.EdgeAssignment(nil), s.AssignedEdges...)
	return &cp
}
