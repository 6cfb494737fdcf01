// Package vectorstore persists document chunks and serves cosine-nearest-
// neighbour queries over their embeddings, backed by Postgres with pgvector
// (HNSW index, cosine `<=>` operator). Rows are keyed by the composite
// `(repoUrl, filePath, chunkIndex)` and written upsert-on-conflict.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"ragstream/internal/embedding"
	"ragstream/internal/ragerr"
	"ragstream/internal/resilience"
)

// Chunk is one persisted document chunk row.
type Chunk struct {
	ID               string
	RepoURL          string
	FilePath         string
	Title            string
	Text             string
	Embedding        []float32
	FileType         string
	IsCode           bool
	IsImplementation bool
	TokenCount       int
	ChunkIndex       int
	TotalChunks      int
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Filters constrain Query to exact-match attribute values.
type Filters struct {
	RepoURL          string
	FilePath         string
	FileType         string
	IsCode           *bool
	IsImplementation *bool
}

// Match is one query result: a chunk paired with its cosine similarity to
// the query embedding, in [-1, 1].
type Match struct {
	Chunk      Chunk
	Similarity float64
	// Reasoning is a short human-readable explanation of why the chunk
	// matched, purely additive metadata with no role in ranking.
	Reasoning string
}

// reasoningFor renders a short relevance explanation from a cosine
// similarity score.
func reasoningFor(similarity float64) string {
	pct := similarity * 100
	switch {
	case similarity >= 0.9:
		return fmt.Sprintf("highly similar content (%.1f%% match)", pct)
	case similarity >= 0.75:
		return fmt.Sprintf("closely related content (%.1f%% match)", pct)
	case similarity >= 0.5:
		return fmt.Sprintf("moderately related content (%.1f%% match)", pct)
	default:
		return fmt.Sprintf("weakly related content (%.1f%% match)", pct)
	}
}

// Store is a pgx/pgvector-backed vector store.
type Store struct {
	pool    *pgxpool.Pool
	guard   *resilience.Guard
	latency time.Duration
}

// New connects to connString and ensures the schema exists. latency, if
// positive, is injected before every call (VECTOR_STORE_LATENCY_MS) to
// exercise timeout and backpressure behavior under load testing; zero
// disables injection entirely.
func New(ctx context.Context, connString string, guard *resilience.Guard, latency time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to vector store: %w", err)
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.DefaultPolicy("vector-store"))
	}
	s := &Store{pool: pool, guard: guard, latency: latency}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// injectLatency sleeps for the configured artificial latency, honoring ctx
// cancellation. A no-op when latency is zero (the default).
func (s *Store) injectLatency(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS document_chunks (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			repo_url TEXT NOT NULL,
			file_path TEXT NOT NULL,
			title TEXT,
			text TEXT NOT NULL,
			embedding vector(%d),
			file_type TEXT,
			is_code BOOLEAN NOT NULL DEFAULT false,
			is_implementation BOOLEAN NOT NULL DEFAULT false,
			token_count INTEGER NOT NULL DEFAULT 0,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			total_chunks INTEGER NOT NULL DEFAULT 1,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(repo_url, file_path, chunk_index)
		);

		CREATE INDEX IF NOT EXISTS idx_document_chunks_repo ON document_chunks(repo_url);
		CREATE INDEX IF NOT EXISTS idx_document_chunks_created ON document_chunks(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding_hnsw ON document_chunks
		USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64);
	`, embedding.Dimension)

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Upsert inserts or updates chunk, keyed on (repoUrl, filePath,
// chunkIndex). Repeating with identical fields yields one row and leaves
// createdAt untouched.
func (s *Store) Upsert(ctx context.Context, c *Chunk) error {
	if err := s.injectLatency(ctx); err != nil {
		return err
	}
	if c.RepoURL == "" || c.FilePath == "" || c.Text == "" {
		return ragerr.New(ragerr.InvalidRequest, "repoUrl, filePath and text are required")
	}
	if len(c.Embedding) != 0 && len(c.Embedding) != embedding.Dimension {
		return ragerr.New(ragerr.InvalidRequest, fmt.Sprintf("embedding dimension %d != %d", len(c.Embedding), embedding.Dimension))
	}
	if c.TotalChunks <= 0 {
		c.TotalChunks = 1
	}

	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	var vec *pgvector.Vector
	if len(c.Embedding) == embedding.Dimension {
		v := pgvector.NewVector(c.Embedding)
		vec = &v
	}

	now := time.Now().UTC()
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO document_chunks
			(id, repo_url, file_path, title, text, embedding, file_type, is_code,
			 is_implementation, token_count, chunk_index, total_chunks, metadata,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		ON CONFLICT (repo_url, file_path, chunk_index) DO UPDATE SET
			title = EXCLUDED.title,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			file_type = EXCLUDED.file_type,
			is_code = EXCLUDED.is_code,
			is_implementation = EXCLUDED.is_implementation,
			token_count = EXCLUDED.token_count,
			total_chunks = EXCLUDED.total_chunks,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	return s.guard.Do(ctx, func(ctx context.Context) error {
		var returnedID string
		err := s.pool.QueryRow(ctx, query,
			id, c.RepoURL, c.FilePath, c.Title, c.Text, vec, c.FileType, c.IsCode,
			c.IsImplementation, c.TokenCount, c.ChunkIndex, c.TotalChunks, metadata, now,
		).Scan(&returnedID)
		if err != nil {
			return ragerr.Wrap(ragerr.StorageFailure, "upsert failed", err)
		}
		c.ID = returnedID
		return nil
	})
}

// BulkUpsert upserts chunks in bounded batches, stopping at the first
// failure.
func (s *Store) BulkUpsert(ctx context.Context, chunks []*Chunk, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		for _, c := range chunks[start:end] {
			if err := s.Upsert(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Query returns the k nearest chunks to embedding by cosine similarity,
// descending, optionally constrained by filters.
func (s *Store) Query(ctx context.Context, vec []float32, k int, filters *Filters) ([]Match, error) {
	if err := s.injectLatency(ctx); err != nil {
		return nil, err
	}
	if len(vec) != embedding.Dimension {
		return nil, ragerr.New(ragerr.InvalidRequest, fmt.Sprintf("query embedding dimension %d != %d", len(vec), embedding.Dimension))
	}
	if k <= 0 {
		k = 5
	}

	query := `
		SELECT id, repo_url, file_path, title, text, file_type, is_code,
			   is_implementation, token_count, chunk_index, total_chunks,
			   metadata, created_at, updated_at,
			   1 - (embedding <=> $1) AS similarity
		FROM document_chunks
		WHERE embedding IS NOT NULL
	`
	args := []interface{}{pgvector.NewVector(vec)}
	argIdx := 2

	if filters != nil {
		if filters.RepoURL != "" {
			query += fmt.Sprintf(" AND repo_url = $%d", argIdx)
			args = append(args, filters.RepoURL)
			argIdx++
		}
		if filters.FilePath != "" {
			query += fmt.Sprintf(" AND file_path = $%d", argIdx)
			args = append(args, filters.FilePath)
			argIdx++
		}
		if filters.FileType != "" {
			query += fmt.Sprintf(" AND file_type = $%d", argIdx)
			args = append(args, filters.FileType)
			argIdx++
		}
		if filters.IsCode != nil {
			query += fmt.Sprintf(" AND is_code = $%d", argIdx)
			args = append(args, *filters.IsCode)
			argIdx++
		}
		if filters.IsImplementation != nil {
			query += fmt.Sprintf(" AND is_implementation = $%d", argIdx)
			args = append(args, *filters.IsImplementation)
			argIdx++
		}
	}

	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", argIdx)
	args = append(args, k)

	var matches []Match
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		matches = nil
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return ragerr.Wrap(ragerr.StorageFailure, "query failed", err)
		}
		defer rows.Close()

		for rows.Next() {
			var c Chunk
			var metadata []byte
			var similarity float64
			if err := rows.Scan(&c.ID, &c.RepoURL, &c.FilePath, &c.Title, &c.Text,
				&c.FileType, &c.IsCode, &c.IsImplementation, &c.TokenCount,
				&c.ChunkIndex, &c.TotalChunks, &metadata, &c.CreatedAt, &c.UpdatedAt,
				&similarity); err != nil {
				return ragerr.Wrap(ragerr.StorageFailure, "scanning row", err)
			}
			_ = json.Unmarshal(metadata, &c.Metadata)
			matches = append(matches, Match{Chunk: c, Similarity: similarity, Reasoning: reasoningFor(similarity)})
		}
		return rows.Err()
	})
	return matches, err
}

// Get returns the chunk with the given surrogate id, or ErrNoRows if none
// exists.
func (s *Store) Get(ctx context.Context, id string) (*Chunk, error) {
	if err := s.injectLatency(ctx); err != nil {
		return nil, err
	}
	var c Chunk
	var metadata []byte
	notFound := false
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		notFound = false
		row := s.pool.QueryRow(ctx, `
			SELECT id, repo_url, file_path, title, text, file_type, is_code,
				   is_implementation, token_count, chunk_index, total_chunks,
				   metadata, created_at, updated_at
			FROM document_chunks WHERE id = $1
		`, id)
		err := row.Scan(&c.ID, &c.RepoURL, &c.FilePath, &c.Title, &c.Text,
			&c.FileType, &c.IsCode, &c.IsImplementation, &c.TokenCount,
			&c.ChunkIndex, &c.TotalChunks, &metadata, &c.CreatedAt, &c.UpdatedAt)
		if err == pgx.ErrNoRows {
			// A missing row is an answer, not a failure: it must not be
			// retried or counted against the circuit breaker.
			notFound = true
			return nil
		}
		if err != nil {
			return ragerr.Wrap(ragerr.StorageFailure, "get failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNoRows
	}
	_ = json.Unmarshal(metadata, &c.Metadata)
	return &c, nil
}

// ListByRepo returns a page of chunks, optionally constrained to repoURL,
// ordered by creation time descending.
func (s *Store) ListByRepo(ctx context.Context, repoURL string, page, pageSize int) ([]Chunk, error) {
	if err := s.injectLatency(ctx); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := `
		SELECT id, repo_url, file_path, title, text, file_type, is_code,
			   is_implementation, token_count, chunk_index, total_chunks,
			   metadata, created_at, updated_at
		FROM document_chunks
	`
	args := []interface{}{}
	if repoURL != "" {
		query += ` WHERE repo_url = $1`
		args = append(args, repoURL)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)
	args = append(args, pageSize, offset)

	var out []Chunk
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return ragerr.Wrap(ragerr.StorageFailure, "list failed", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c Chunk
			var metadata []byte
			if err := rows.Scan(&c.ID, &c.RepoURL, &c.FilePath, &c.Title, &c.Text,
				&c.FileType, &c.IsCode, &c.IsImplementation, &c.TokenCount,
				&c.ChunkIndex, &c.TotalChunks, &metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return ragerr.Wrap(ragerr.StorageFailure, "scanning row", err)
			}
			_ = json.Unmarshal(metadata, &c.Metadata)
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// Delete removes id; deleting a missing id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.injectLatency(ctx); err != nil {
		return err
	}
	return s.guard.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE id = $1`, id)
		if err != nil {
			return ragerr.Wrap(ragerr.StorageFailure, "delete failed", err)
		}
		return nil
	})
}

// DeleteChunks removes every row for the given source file.
func (s *Store) DeleteChunks(ctx context.Context, repoURL, filePath string) error {
	if err := s.injectLatency(ctx); err != nil {
		return err
	}
	return s.guard.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE repo_url = $1 AND file_path = $2`, repoURL, filePath)
		if err != nil {
			return ragerr.Wrap(ragerr.StorageFailure, "delete chunks failed", err)
		}
		return nil
	})
}

// RebuildIndex is a best-effort maintenance hook; not required for
// correctness, but keeps the HNSW index tuned after heavy churn.
func (s *Store) RebuildIndex(ctx context.Context) error {
	if err := s.injectLatency(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `REINDEX INDEX CONCURRENTLY idx_document_chunks_embedding_hnsw`)
	if err != nil {
		return ragerr.Wrap(ragerr.StorageFailure, "reindex failed", err)
	}
	return nil
}

// ErrNoRows re-exports pgx.ErrNoRows for callers that need to distinguish
// "not found" from other query failures.
var ErrNoRows = pgx.ErrNoRows
