// Package embedding adapts text to 1536-dimension dense vectors via an
// Ollama-compatible HTTP endpoint, wrapped with a content-addressed cache
// and the shared retry/circuit-breaker guard.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragstream/internal/cache"
	"ragstream/internal/ragerr"
	"ragstream/internal/resilience"
)

// Dimension is the fixed embedding width every chunk and query vector must
// satisfy.
const Dimension = 1536

// Record is the per-request detail returned by EmbedBatchWithMetadata:
// provider, model, latency, token count, cache status and retry count for
// one text in the batch.
type Record struct {
	Embedding  []float32
	Provider   string
	Model      string
	Latency    time.Duration
	TokenCount int
	FromCache  bool
	Retries    int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Stats tracks aggregate counters for the observability surface.
type Stats struct {
	TotalRequests int64
	CacheHits     int64
	CacheMisses   int64
}

// Service generates and caches embeddings for ingestion and query text.
type Service struct {
	baseURL   string
	model     string
	client    *http.Client
	cache     cache.Cache
	guard     *resilience.Guard
	batchSize int

	mu    sync.Mutex
	stats Stats
}

// New constructs an embedding Service pointed at an Ollama-compatible
// endpoint. c may be nil, in which case an in-memory cache is created.
func New(baseURL, model string, c cache.Cache, guard *resilience.Guard) *Service {
	if c == nil {
		c = cache.NewInMemory(30 * time.Second)
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.DefaultPolicy("embedding-provider"))
	}
	return &Service{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		client:    &http.Client{Timeout: 30 * time.Second},
		cache:     c,
		guard:     guard,
		batchSize: 32,
	}
}

// normalize trims and collapses whitespace so semantically identical text
// hits the same cache key.
func normalize(text string) string {
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}

func (s *Service) cacheKey(text string) string {
	return cache.KeyHash(s.model, text)
}

// Embed returns the embedding for a single text, serving from cache when
// possible.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	rec, err := s.embedWithMetadata(ctx, text)
	if err != nil {
		return nil, err
	}
	return rec.Embedding, nil
}

// EmbedBatch embeds a slice of texts, preserving order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	records, err := s.EmbedBatchWithMetadata(ctx, texts, s.batchSize)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(records))
	for i, r := range records {
		out[i] = r.Embedding
	}
	return out, nil
}

// EmbedBatchWithMetadata embeds texts in batches of batchSize, returning a
// Record per input text with cache/latency/retry detail.
func (s *Service) EmbedBatchWithMetadata(ctx context.Context, texts []string, batchSize int) ([]Record, error) {
	if len(texts) == 0 {
		return nil, ragerr.New(ragerr.InvalidRequest, "empty text batch")
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	out := make([]Record, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		for i := start; i < end; i++ {
			rec, err := s.embedWithMetadata(ctx, texts[i])
			if err != nil {
				return nil, fmt.Errorf("embedding text %d: %w", i, err)
			}
			out[i] = *rec
		}
	}
	return out, nil
}

func (s *Service) embedWithMetadata(ctx context.Context, text string) (*Record, error) {
	started := time.Now()
	s.mu.Lock()
	s.stats.TotalRequests++
	s.mu.Unlock()

	normalized := normalize(text)
	key := s.cacheKey(normalized)

	if v, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		s.mu.Lock()
		s.stats.CacheHits++
		s.mu.Unlock()
		emb, uerr := decodeVector(v)
		if uerr == nil {
			return &Record{
				Embedding:  emb,
				Provider:   "ollama",
				Model:      s.model,
				Latency:    time.Since(started),
				TokenCount: len(strings.Fields(normalized)),
				FromCache:  true,
			}, nil
		}
	}

	s.mu.Lock()
	s.stats.CacheMisses++
	s.mu.Unlock()

	retries := 0
	var emb []float32
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		e, callErr := s.callOllamaEmbed(ctx, normalized)
		if callErr != nil {
			retries++
			return callErr
		}
		emb = e
		return nil
	})
	if err != nil {
		return nil, ragerr.Wrap(ragerr.EmbeddingFailure, "embedding generation failed", err)
	}
	if len(emb) != Dimension {
		return nil, ragerr.New(ragerr.EmbeddingFailure, fmt.Sprintf("embedding dimension %d != %d", len(emb), Dimension))
	}

	if encoded, eerr := encodeVector(emb); eerr == nil {
		_ = s.cache.Set(ctx, key, encoded, time.Hour)
	}

	return &Record{
		Embedding:  emb,
		Provider:   "ollama",
		Model:      s.model,
		Latency:    time.Since(started),
		TokenCount: len(strings.Fields(normalized)),
		Retries:    retries,
	}, nil
}

func (s *Service) callOllamaEmbed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: s.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API status %d: %s", resp.StatusCode, string(body))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// StatsSnapshot returns a copy of the current counters.
func (s *Service) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// WarmCache embeds each of terms, populating the content-addressed cache
// ahead of traffic. A failure on any one term does not stop the remaining
// terms from being warmed; the first failure encountered is returned once
// every term has been tried.
func (s *Service) WarmCache(ctx context.Context, terms []string) error {
	var firstErr error
	for _, term := range terms {
		if _, err := s.Embed(ctx, term); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// encodeVector/decodeVector store float32 vectors as a compact
// comma-joined decimal string; simple and debuggable, adequate for the
// cache tiers which treat values as opaque bytes.
func encodeVector(v []float32) ([]byte, error) {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return []byte(strings.Join(parts, ",")), nil
}

func decodeVector(b []byte) ([]float32, error) {
	s := string(b)
	if s == "" {
		return nil, fmt.Errorf("empty vector payload")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}
