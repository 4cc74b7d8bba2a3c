// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// Compile-time interface verification
var _ Index = (*SQLIndex)(nil)

// SQLIndex is a PostgreSQL-backed Index. Commit idempotence is enforced
// by the database: a single upsert either inserts the record or bumps
// the reference count, so concurrent committers of the same hash can
// never create two records.
type SQLIndex struct {
	db *sql.DB
}

// NewSQLIndex wraps an existing database handle.
func NewSQLIndex(db *sql.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

// OpenSQLIndex opens a PostgreSQL connection and ensures the schema.
func OpenSQLIndex(ctx context.Context, dsn string) (*SQLIndex, error) {
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

	idx := NewSQLIndex(db)
	if err := idx.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Migrate creates the content index table if it does not exist.
func (s *SQLIndex) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS content_index (
			content_hash TEXT PRIMARY KEY,
			object_key   TEXT NOT NULL,
			size         BIGINT NOT NULL,
			ref_count    BIGINT NOT NULL DEFAULT 1,
			first_seen   BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate content_index: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLIndex) Close() error {
	return s.db.Close()
}

func (s *SQLIndex) Lookup(ctx context.Context, hash types.ContentHash) (*types.ContentRecord, error) {
	if !hash.Valid() {
		return nil, ErrInvalidHash
	}

	rec := &types.ContentRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, object_key, size, ref_count, first_seen
		FROM content_index WHERE content_hash = $1
	`, hash.String()).Scan(&rec.Hash, &rec.ObjectKey, &rec.Size, &rec.RefCount, &rec.FirstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		lookupsTotal.WithLabelValues("miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup content hash: %w", err)
	}
	lookupsTotal.WithLabelValues("hit").Inc()
	return rec, nil
}

func (s *SQLIndex) Commit(ctx context.Context, hash types.ContentHash, objectKey string, size int64) (*types.ContentRecord, error) {
	if !hash.Valid() {
		return nil, ErrInvalidHash
	}

	rec := &types.ContentRecord{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO content_index (content_hash, object_key, size, ref_count, first_seen)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (content_hash) DO UPDATE SET
			ref_count = content_index.ref_count + 1
		WHERE content_index.size = EXCLUDED.size
		RETURNING content_hash, object_key, size, ref_count, first_seen
	`, hash.String(), objectKey, size, time.Now().UnixNano()).
		Scan(&rec.Hash, &rec.ObjectKey, &rec.Size, &rec.RefCount, &rec.FirstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		// Upsert matched an existing row with a different size.
		return nil, ErrIntegrity
	}
	if err != nil {
		return nil, fmt.Errorf("commit content hash: %w", err)
	}

	commitsTotal.Inc()
	return rec, nil
}

func (s *SQLIndex) Release(ctx context.Context, hash types.ContentHash) error {
	if !hash.Valid() {
		return ErrInvalidHash
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE content_index
		SET ref_count = ref_count - 1
		WHERE content_hash = $1 AND ref_count > 0
	`, hash.String())
	if err != nil {
		return fmt.Errorf("release content hash: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
