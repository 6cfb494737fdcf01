package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"CONNECTION_STRING", "OTEL_EXPORTER_OTLP_ENDPOINT", "VECTOR_STORE_LATENCY_MS",
		"MAX_IDEMPOTENCY_ENTRIES_PER_SESSION", "EMBEDDING_CACHE_SIZE", "EMBEDDING_DIMENSION",
		"REDIS_URL",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.ConnectionString != "postgres://localhost:5432/ragstream" {
		t.Errorf("ConnectionString = %q", cfg.ConnectionString)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL = %q, want empty (in-memory cache by default)", cfg.RedisURL)
	}
	if cfg.GenerationTimeout != 30*time.Second {
		t.Errorf("GenerationTimeout = %v, want 30s", cfg.GenerationTimeout)
	}
	if cfg.VectorStoreLatency != 0 {
		t.Errorf("VectorStoreLatency = %v, want 0", cfg.VectorStoreLatency)
	}
	if cfg.SessionTimeout != time.Hour {
		t.Errorf("SessionTimeout = %v, want 1h", cfg.SessionTimeout)
	}
	if cfg.CancelAckTimeout != 200*time.Millisecond {
		t.Errorf("CancelAckTimeout = %v, want 200ms", cfg.CancelAckTimeout)
	}
	if cfg.MaxIdempotencyEntries != 64 {
		t.Errorf("MaxIdempotencyEntries = %d, want 64", cfg.MaxIdempotencyEntries)
	}
	if cfg.EmbeddingDimension != 1536 {
		t.Errorf("EmbeddingDimension = %d, want 1536", cfg.EmbeddingDimension)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("CONNECTION_STRING", "postgres://db:5432/other")
	os.Setenv("VECTOR_STORE_LATENCY_MS", "50")
	os.Setenv("MAX_IDEMPOTENCY_ENTRIES_PER_SESSION", "128")
	defer func() {
		os.Unsetenv("CONNECTION_STRING")
		os.Unsetenv("VECTOR_STORE_LATENCY_MS")
		os.Unsetenv("MAX_IDEMPOTENCY_ENTRIES_PER_SESSION")
	}()

	cfg := Load()

	if cfg.ConnectionString != "postgres://db:5432/other" {
		t.Errorf("ConnectionString = %q", cfg.ConnectionString)
	}
	if cfg.VectorStoreLatency != 50*time.Millisecond {
		t.Errorf("VectorStoreLatency = %v, want 50ms", cfg.VectorStoreLatency)
	}
	if cfg.MaxIdempotencyEntries != 128 {
		t.Errorf("MaxIdempotencyEntries = %d, want 128", cfg.MaxIdempotencyEntries)
	}
}

func TestLoadDefaultsToNoWarmTerms(t *testing.T) {
	os.Unsetenv("EMBEDDING_WARM_TERMS")
	cfg := Load()
	if len(cfg.EmbeddingWarmTerms) != 0 {
		t.Errorf("EmbeddingWarmTerms = %v, want empty", cfg.EmbeddingWarmTerms)
	}
}

func TestLoadParsesWarmTermsList(t *testing.T) {
	os.Setenv("EMBEDDING_WARM_TERMS", "hello world, foo bar ,  baz")
	defer os.Unsetenv("EMBEDDING_WARM_TERMS")

	cfg := Load()
	want := []string{"hello world", "foo bar", "baz"}
	if len(cfg.EmbeddingWarmTerms) != len(want) {
		t.Fatalf("EmbeddingWarmTerms = %v, want %v", cfg.EmbeddingWarmTerms, want)
	}
	for i, w := range want {
		if cfg.EmbeddingWarmTerms[i] != w {
			t.Errorf("EmbeddingWarmTerms[%d] = %q, want %q", i, cfg.EmbeddingWarmTerms[i], w)
		}
	}
}

func TestGetenvIntIgnoresUnparseableValue(t *testing.T) {
	os.Setenv("EMBEDDING_CACHE_SIZE", "not-a-number")
	defer os.Unsetenv("EMBEDDING_CACHE_SIZE")

	if got := getenvInt("EMBEDDING_CACHE_SIZE", 10000); got != 10000 {
		t.Errorf("getenvInt = %d, want fallback 10000", got)
	}
}
