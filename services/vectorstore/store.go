// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore persists and searches the medical-chunk corpus.
//
// One Postgres table holds everything: chunk text, hierarchical titles, and
// the dense embedding. Dense search goes through an HNSW index with the
// cosine operator; sparse search goes through a pg_trgm GIN index. Keeping
// both indexes on the same physical row makes metadata joins local.
//
// The sparse side is optional: when the pg_trgm extension is unavailable
// the store reports sparse as unsupported and hybrid retrieval degrades to
// dense-only instead of failing requests.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutianmed.vectorstore")

// ErrSparseUnsupported is returned by SearchSparse when the pg_trgm
// extension is not installed. Callers degrade to dense-only retrieval.
var ErrSparseUnsupported = errors.New("sparse search unsupported: pg_trgm extension not installed")

// EmbeddingDim is the vector width of the chunks table. It must match the
// vector(N) column in migrations/000001_create_chunks.up.sql, where the
// schema pins it; writes carrying a different width are rejected before
// they reach the database.
const EmbeddingDim = 1024

// =============================================================================
// Data Types
// =============================================================================

// Chunk is one passage-sized unit of the corpus.
//
// IDs are stable strings assigned by the indexer; upserts are idempotent on
// them. Embeddings are fixed-dimension and L2-normalised before storage.
type Chunk struct {
	ID             string
	Text           string
	SourceDocument string
	ChapterTitle   string
	SectionTitle   string
	Subsections    []string
	Summary        string
	TokenCount     int
	Embedding      []float32
}

// SearchResult pairs a chunk with the similarity produced by one search
// modality (cosine for dense, trigram for sparse).
type SearchResult struct {
	Chunk      Chunk
	Similarity float64
}

// =============================================================================
// Interface Definition
// =============================================================================

// Store is the retrieval-facing contract of the corpus.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Searches are read-only and
// reentrant; upserts are row-level idempotent.
type Store interface {
	// SearchDense returns the k nearest chunks by cosine similarity,
	// descending.
	SearchDense(ctx context.Context, vector []float32, k int) ([]SearchResult, error)

	// SearchSparse returns up to k chunks by trigram similarity against
	// query, descending, excluding results below threshold. Returns
	// ErrSparseUnsupported when the trigram index is unavailable.
	SearchSparse(ctx context.Context, query string, k int, threshold float64) ([]SearchResult, error)

	// Upsert inserts or replaces one chunk by id.
	Upsert(ctx context.Context, chunk Chunk) error

	// BatchUpsert inserts or replaces many chunks in one round trip.
	BatchUpsert(ctx context.Context, chunks []Chunk) error

	// DeleteBySource removes every chunk belonging to sourceDocument.
	DeleteBySource(ctx context.Context, sourceDocument string) error

	// SparseSupported reports whether trigram search is available.
	SparseSupported() bool

	// Close releases the connection pool.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the Postgres connection settings.
type Config struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	// MinConns and MaxConns bound the pool. Defaults: 2 and 10.
	MinConns int32
	MaxConns int32
	// QueryTimeout caps each individual query. Default: 10s.
	QueryTimeout time.Duration
}

// ConfigFromEnv reads the POSTGRES_* variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		Database: os.Getenv("POSTGRES_DB"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
	}
	if v := os.Getenv("POSTGRES_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConns = int32(n)
		}
	}
	if v := os.Getenv("POSTGRES_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == "" {
		c.Port = "5432"
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
}

func (c *Config) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// =============================================================================
// Struct Definition
// =============================================================================

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	sparseOK     bool
}

var _ Store = (*PostgresStore)(nil)

// =============================================================================
// Constructor
// =============================================================================

// NewPostgresStore connects, runs migrations, and probes for pg_trgm.
//
// # Description
//
// Builds the pool with the configured bounds, verifies connectivity with a
// ping, applies the embedded schema migrations, then checks whether the
// pg_trgm extension made it in. A missing extension downgrades sparse
// search rather than failing startup, because managed Postgres offerings
// do not all ship pg_trgm.
//
// # Inputs
//
//   - ctx: bounds connection and migration time.
//   - cfg: connection settings; zero values defaulted.
//
// # Outputs
//
//   - *PostgresStore: ready store. Caller owns Close.
//   - error: unreachable database or failed migration.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	cfg.applyDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	if err := runMigrations(cfg.dsn()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := &PostgresStore{pool: pool, queryTimeout: cfg.QueryTimeout}
	store.sparseOK = store.probeTrigram(ctx)
	if !store.sparseOK {
		slog.Warn("pg_trgm extension not installed, sparse search disabled")
	}

	slog.Info("Connected to vector store",
		"host", cfg.Host,
		"database", cfg.Database,
		"min_conns", cfg.MinConns,
		"max_conns", cfg.MaxConns,
		"sparse_supported", store.sparseOK,
	)
	return store, nil
}

// =============================================================================
// Methods
// =============================================================================

const chunkColumns = `id, chunk_text, source_document, chapter_title, section_title,
	subsections, summary, token_count`

// SearchDense implements Store.
func (s *PostgresStore) SearchDense(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "PostgresStore.SearchDense")
	defer span.End()
	span.SetAttributes(attribute.Int("search.k", k))

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT ` + chunkColumns + `,
		1 - (embedding <=> $1::vector) AS similarity
	FROM chunks
	ORDER BY embedding <=> $1::vector
	LIMIT $2`

	rows, err := s.pool.Query(ctx, query, formatVector(vector), k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dense search failed")
		return nil, fmt.Errorf("dense search failed: %w", err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.result_count", len(results)))
	return results, nil
}

// SearchSparse implements Store.
//
// Single-word queries routinely score below the threshold against long
// passages; an empty result is expected behaviour there, not an error.
func (s *PostgresStore) SearchSparse(ctx context.Context, query string, k int, threshold float64) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "PostgresStore.SearchSparse")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.k", k),
		attribute.Float64("search.threshold", threshold),
	)

	if !s.sparseOK {
		return nil, ErrSparseUnsupported
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	sql := `SELECT ` + chunkColumns + `,
		similarity(chunk_text, $1) AS sim
	FROM chunks
	WHERE similarity(chunk_text, $1) >= $2
	ORDER BY sim DESC
	LIMIT $3`

	rows, err := s.pool.Query(ctx, sql, query, threshold, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sparse search failed")
		return nil, fmt.Errorf("sparse search failed: %w", err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.result_count", len(results)))
	return results, nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, chunk Chunk) error {
	return s.BatchUpsert(ctx, []Chunk{chunk})
}

// BatchUpsert implements Store. All rows go through one batched round trip;
// conflicting ids are replaced wholesale so re-ingesting a document is safe.
func (s *PostgresStore) BatchUpsert(ctx context.Context, chunks []Chunk) error {
	ctx, span := tracer.Start(ctx, "PostgresStore.BatchUpsert")
	defer span.End()
	span.SetAttributes(attribute.Int("upsert.chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if len(c.Embedding) != EmbeddingDim {
			err := fmt.Errorf("chunk %s: embedding has %d dimensions, schema expects %d",
				c.ID, len(c.Embedding), EmbeddingDim)
			span.RecordError(err)
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	const upsertSQL = `INSERT INTO chunks
		(id, chunk_text, source_document, chapter_title, section_title,
		 subsections, summary, token_count, embedding, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, now())
	ON CONFLICT (id) DO UPDATE SET
		chunk_text = EXCLUDED.chunk_text,
		source_document = EXCLUDED.source_document,
		chapter_title = EXCLUDED.chapter_title,
		section_title = EXCLUDED.section_title,
		subsections = EXCLUDED.subsections,
		summary = EXCLUDED.summary,
		token_count = EXCLUDED.token_count,
		embedding = EXCLUDED.embedding,
		updated_at = now()`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(upsertSQL,
			c.ID, c.Text, c.SourceDocument, c.ChapterTitle, c.SectionTitle,
			c.Subsections, c.Summary, c.TokenCount, formatVector(c.Embedding))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil {
			slog.Warn("failed to close upsert batch", "error", closeErr)
		}
	}()

	for range chunks {
		if _, err := br.Exec(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			return fmt.Errorf("chunk upsert failed: %w", err)
		}
	}
	return nil
}

// DeleteBySource implements Store. Indexers call this before re-ingesting
// a document so a shorter split leaves no stale higher-index rows behind.
func (s *PostgresStore) DeleteBySource(ctx context.Context, sourceDocument string) error {
	ctx, span := tracer.Start(ctx, "PostgresStore.DeleteBySource")
	defer span.End()
	span.SetAttributes(attribute.String("delete.source", sourceDocument))

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE source_document = $1`, sourceDocument)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("chunk delete failed: %w", err)
	}
	span.SetAttributes(attribute.Int64("delete.row_count", tag.RowsAffected()))
	return nil
}

// SparseSupported implements Store.
func (s *PostgresStore) SparseSupported() bool { return s.sparseOK }

// Close implements Store.
func (s *PostgresStore) Close() { s.pool.Close() }

// =============================================================================
// Helper Functions
// =============================================================================

func (s *PostgresStore) probeTrigram(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var installed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')`).Scan(&installed)
	if err != nil {
		slog.Warn("failed to probe pg_trgm extension", "error", err)
		return false
	}
	return installed
}

func scanResults(rows pgx.Rows) ([]SearchResult, error) {
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.Text, &r.Chunk.SourceDocument,
			&r.Chunk.ChapterTitle, &r.Chunk.SectionTitle, &r.Chunk.Subsections,
			&r.Chunk.Summary, &r.Chunk.TokenCount, &r.Similarity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search row iteration failed: %w", err)
	}
	return results, nil
}
