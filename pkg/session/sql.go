// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// Compile-time interface verification
var _ Store = (*SQLStore)(nil)

// SQLStore is a PostgreSQL-backed Store. Chunk completion and the
// session completed set live in the same transaction, and status
// transitions are conditional updates, so the compare-and-swap
// guarantees hold across processes.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens a PostgreSQL connection and ensures the schema.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the session tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS upload_sessions (
			id             TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			file_name      TEXT NOT NULL DEFAULT '',
			total_size     BIGINT NOT NULL,
			content_hash   TEXT NOT NULL DEFAULT '',
			chunk_size     BIGINT NOT NULL,
			chunk_count    INT NOT NULL,
			status         TEXT NOT NULL,
			priority       TEXT NOT NULL DEFAULT 'balanced',
			origin         TEXT NOT NULL DEFAULT '',
			assigned_edges TEXT NOT NULL DEFAULT '[]',
			created_at     BIGINT NOT NULL,
			expires_at     BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate upload_sessions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS upload_chunks (
			session_id        TEXT NOT NULL,
			idx               INT NOT NULL,
			chunk_hash        TEXT NOT NULL DEFAULT '',
			edge_id           TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			bytes_transferred BIGINT NOT NULL DEFAULT 0,
			updated_at        BIGINT NOT NULL,
			PRIMARY KEY (session_id, idx)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate upload_chunks: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, owner_id, file_name, total_size, content_hash, chunk_size, chunk_count, status, priority, origin, assigned_edges, created_at, expires_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) Create(ctx context.Context, sess *types.UploadSession, chunks []*types.ChunkRecord) error {
	edgesJSON, err := json.Marshal(sess.AssignedEdges)
	if err != nil {
		return fmt.Errorf("marshal assignments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	originJSON := ""
	if sess.Origin != nil {
		b, err := json.Marshal(sess.Origin)
		if err != nil {
			return fmt.Errorf("marshal origin: %w", err)
		}
		originJSON = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sess.ID, sess.OwnerID, sess.FileName, sess.TotalSize, sess.ContentHash.String(),
		sess.ChunkSize, sess.ChunkCount, string(sess.Status), string(sess.Priority),
		originJSON, string(edgesJSON), sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, c := range chunks {
		updatedAt := c.UpdatedAt
		if updatedAt == 0 {
			updatedAt = time.Now().UnixNano()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO upload_chunks (session_id, idx, chunk_hash, edge_id, status, bytes_transferred, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.SessionID, c.Index, c.Hash.String(), c.EdgeID, string(c.Status), c.BytesTransferred, updatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) getSession(ctx context.Context, q querier, id string) (*types.UploadSession, error) {
	sess := &types.UploadSession{}
	var hash, status, priority, originJSON, edgesJSON string
	err := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.OwnerID, &sess.FileName, &sess.TotalSize, &hash,
		&sess.ChunkSize, &sess.ChunkCount, &status, &priority, &originJSON,
		&edgesJSON, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.ContentHash = types.ContentHash(hash)
	sess.Status = types.SessionStatus(status)
	sess.Priority = types.Priority(priority)
	if originJSON != "" {
		sess.Origin = &types.GeoPoint{}
		if err := json.Unmarshal([]byte(originJSON), sess.Origin); err != nil {
			return nil, fmt.Errorf("unmarshal origin: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(edgesJSON), &sess.AssignedEdges); err != nil {
		return nil, fmt.Errorf("unmarshal assignments: %w", err)
	}

	if sess.ExpiresAt > 0 && time.Now().UnixNano() > sess.ExpiresAt {
		return nil, ErrSessionExpired
	}

	rows, err := q.QueryContext(ctx, `
		SELECT idx FROM upload_chunks
		WHERE session_id = $1 AND status = $2
		ORDER BY idx
	`, id, string(types.ChunkCompleted))
	if err != nil {
		return nil, fmt.Errorf("list completed chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		sess.CompletedChunks = append(sess.CompletedChunks, idx)
	}
	return sess, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	return s.getSession(ctx, s.db, id)
}

func (s *SQLStore) UpdateChunk(ctx context.Context, rec *types.ChunkRecord) (*types.UploadSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.getSession(ctx, tx, rec.SessionID)
	if err != nil {
		return nil, err
	}
	if rec.Index < 0 || rec.Index >= sess.ChunkCount {
		return nil, ErrChunkOutOfRange
	}

	updatedAt := rec.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UnixNano()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO upload_chunks (session_id, idx, chunk_hash, edge_id, status, bytes_transferred, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, idx) DO UPDATE SET
			chunk_hash = EXCLUDED.chunk_hash,
			edge_id = EXCLUDED.edge_id,
			status = EXCLUDED.status,
			bytes_transferred = EXCLUDED.bytes_transferred,
			updated_at = EXCLUDED.updated_at
	`, rec.SessionID, rec.Index, rec.Hash.String(), rec.EdgeID, string(rec.Status), rec.BytesTransferred, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert chunk: %w", err)
	}

	sess, err = s.getSession(ctx, tx, rec.SessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) ListChunks(ctx context.Context, id string) ([]*types.ChunkRecord, error) {
	if _, err := s.getSession(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, idx, chunk_hash, edge_id, status, bytes_transferred, updated_at
		FROM upload_chunks WHERE session_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []*types.ChunkRecord
	for rows.Next() {
		rec := &types.ChunkRecord{}
		var hash, status string
		if err := rows.Scan(&rec.SessionID, &rec.Index, &hash, &rec.EdgeID, &status, &rec.BytesTransferred, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		rec.Hash = types.ContentHash(hash)
		rec.Status = types.ChunkStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) CompareAndSwapStatus(ctx context.Context, id string, from, to types.SessionStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, ErrInvalidTransition
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = $1 WHERE id = $2 AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("swap status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a lost race from a missing session.
		if _, err := s.getSession(ctx, s.db, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) SetAssignments(ctx context.Context, id string, edges []types.EdgeAssignment) error {
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("marshal assignments: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE upload_sessions SET assigned_edges = $1 WHERE id = $2
	`, string(edgesJSON), id)
	if err != nil {
		return fmt.Errorf("set assignments: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM upload_chunks WHERE session_id IN (
			SELECT id FROM upload_sessions WHERE expires_at > 0 AND expires_at < $1
		)
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired chunks: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM upload_sessions WHERE expires_at > 0 AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	rows, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(rows), nil
}
