package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragstream/internal/cache"
	"ragstream/internal/ragerr"
)

func fakeVector(seed float32) []float32 {
	v := make([]float32, Dimension)
	for i := range v {
		v[i] = seed
	}
	return v
}

func newFakeOllama(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		atomic.AddInt64(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: fakeVector(0.5)})
	}))
}

func TestEmbedReturnsDimension1536(t *testing.T) {
	var calls int64
	srv := newFakeOllama(t, &calls)
	defer srv.Close()

	svc := New(srv.URL, "nomic-embed-text", cache.NewInMemory(0), nil)
	vec, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, Dimension)
}

func TestEmbedServesFromCacheOnSecondCall(t *testing.T) {
	var calls int64
	srv := newFakeOllama(t, &calls)
	defer srv.Close()

	svc := New(srv.URL, "nomic-embed-text", cache.NewInMemory(0), nil)
	ctx := context.Background()

	_, err := svc.Embed(ctx, "repeat me")
	require.NoError(t, err)
	_, err = svc.Embed(ctx, "repeat me")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "second call should be served from cache")

	stats := svc.StatsSnapshot()
	assert.EqualValues(t, 2, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.CacheHits)
	assert.EqualValues(t, 1, stats.CacheMisses)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n := atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: fakeVector(float32(n))})
	}))
	defer srv.Close()

	svc := New(srv.URL, "nomic-embed-text", cache.NewInMemory(0), nil)
	texts := []string{"alpha", "beta", "gamma"}
	vecs, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		require.Len(t, v, Dimension)
		_ = i
	}
}

func TestEmbedBatchWithMetadataRejectsEmptyBatch(t *testing.T) {
	svc := New("http://unused", "nomic-embed-text", cache.NewInMemory(0), nil)
	_, err := svc.EmbedBatchWithMetadata(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Equal(t, ragerr.InvalidRequest, ragerr.CodeOf(err))
}

func TestEmbedFailsWithEmbeddingFailureOnBadDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: fakeVector(0.1)[:1535]})
	}))
	defer srv.Close()

	svc := New(srv.URL, "nomic-embed-text", cache.NewInMemory(0), nil)
	_, err := svc.Embed(context.Background(), "short vector")
	require.Error(t, err)
	assert.Equal(t, ragerr.EmbeddingFailure, ragerr.CodeOf(err))
}

func TestWarmCachePopulatesCacheForEachTerm(t *testing.T) {
	var calls int64
	srv := newFakeOllama(t, &calls)
	defer srv.Close()

	svc := New(srv.URL, "nomic-embed-text", cache.NewInMemory(0), nil)
	ctx := context.Background()

	require.NoError(t, svc.WarmCache(ctx, []string{"alpha", "beta"}))
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))

	_, err := svc.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls), "warmed term should now be served from cache")
}

func TestEmbedBatchWithMetadataReportsProviderAndModel(t *testing.T) {
	var calls int64
	srv := newFakeOllama(t, &calls)
	defer srv.Close()

	svc := New(srv.URL, "nomic-embed-text", cache.NewInMemory(0), nil)
	recs, err := svc.EmbedBatchWithMetadata(context.Background(), []string{"one text"}, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "nomic-embed-text", recs[0].Model)
	assert.False(t, recs[0].FromCache)
}
