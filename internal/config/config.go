// Package config reads the core's environment-variable surface. Transport
// configuration, secrets management and deployment config live with the
// surrounding systems; this package only covers the handful of env vars the
// core itself consumes.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the core's runtime configuration, assembled from environment
// variables with per-field defaults.
type Config struct {
	// ConnectionString is the primary data-source DSN (CONNECTION_STRING).
	ConnectionString string
	// OTLPEndpoint is the optional OTel collector endpoint.
	OTLPEndpoint string
	// VectorStoreLatency injects artificial latency into vector-store calls
	// for load testing (VECTOR_STORE_LATENCY_MS); see vectorstore.New.
	VectorStoreLatency time.Duration
	// RedisURL, if set, selects the Redis-backed embedding cache tier
	// (REDIS_URL, e.g. redis://localhost:6379/0) for multi-instance
	// deployments; empty keeps the in-process cache.
	RedisURL string

	SessionTimeout        time.Duration
	GenerationTimeout     time.Duration
	EmbeddingTimeout      time.Duration
	CancelAckTimeout      time.Duration
	MaxIdempotencyEntries int
	EmbeddingCacheSize    int
	EmbeddingDimension    int
	// EmbeddingWarmTerms, if set, is embedded once at startup to
	// pre-populate the embedding cache (EMBEDDING_WARM_TERMS, comma
	// separated).
	EmbeddingWarmTerms []string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

// Load reads the environment into a Config, applying the service defaults
// (1h session timeout, 30s generation timeout, 200ms cancel ack, ...).
func Load() *Config {
	return &Config{
		ConnectionString:      getenv("CONNECTION_STRING", "postgres://localhost:5432/ragstream"),
		OTLPEndpoint:          getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		VectorStoreLatency:    getenvMillis("VECTOR_STORE_LATENCY_MS", 0),
		RedisURL:              getenv("REDIS_URL", ""),
		SessionTimeout:        time.Hour,
		GenerationTimeout:     30 * time.Second,
		EmbeddingTimeout:      30 * time.Second,
		CancelAckTimeout:      200 * time.Millisecond,
		MaxIdempotencyEntries: getenvInt("MAX_IDEMPOTENCY_ENTRIES_PER_SESSION", 64),
		EmbeddingCacheSize:    getenvInt("EMBEDDING_CACHE_SIZE", 10000),
		EmbeddingDimension:    getenvInt("EMBEDDING_DIMENSION", 1536),
		EmbeddingWarmTerms:    getenvList("EMBEDDING_WARM_TERMS"),
	}
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
