// Command ragstreamd runs the RAG streaming service: session/prompt
// generation over HTTP+ndjson, and a document ingestion endpoint. Bootstrap
// constructs the collaborators, wires gin, serves, then waits on an OS
// signal for graceful shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragstream/internal/cache"
	"ragstream/internal/cancel"
	"ragstream/internal/config"
	"ragstream/internal/embedding"
	"ragstream/internal/httpapi"
	"ragstream/internal/observability"
	"ragstream/internal/observability/tracing"
	"ragstream/internal/orchestrator"
	"ragstream/internal/provider"
	"ragstream/internal/resilience"
	"ragstream/internal/session"
	"ragstream/internal/vectorstore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	ctx := context.Background()

	metrics, err := observability.New(ctx, "ragstream")
	if err != nil {
		logger.Fatal("failed to initialize metrics", zap.Error(err))
	}
	defer metrics.Shutdown(ctx)

	shutdownTracing, err := tracing.Init(ctx, "ragstream")
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing(ctx)

	embeddingGuard := resilience.NewGuard(resilience.DefaultPolicy("embedding-provider"))
	var embeddingCache cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		embeddingCache = redisCache
		logger.Info("embedding cache backed by redis", zap.String("url", cfg.RedisURL))
	} else {
		embeddingCache = cache.NewInMemory(30 * time.Second)
	}
	embedder := embedding.New(
		getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
		getenv("EMBEDDING_MODEL", "nomic-embed-text"),
		embeddingCache,
		embeddingGuard,
	)

	if len(cfg.EmbeddingWarmTerms) > 0 {
		if err := embedder.WarmCache(ctx, cfg.EmbeddingWarmTerms); err != nil {
			logger.Warn("embedding cache warm-up failed", zap.Error(err))
		}
	}

	storeGuard := resilience.NewGuard(resilience.DefaultPolicy("vector-store"))
	store, err := vectorstore.New(ctx, cfg.ConnectionString, storeGuard, cfg.VectorStoreLatency)
	if err != nil {
		logger.Fatal("failed to initialize vector store", zap.Error(err))
	}
	defer store.Close()

	selector := provider.NewSelector(
		provider.NewOllama(getenv("OLLAMA_BASE_URL", "http://localhost:11434"), provider.Options{
			Model:       getenv("GENERATION_MODEL", "llama3"),
			Temperature: 0.7,
			MaxTokens:   1024,
		}),
	)

	sessions := session.NewManager(cfg.SessionTimeout, cfg.MaxIdempotencyEntries)
	stop := make(chan struct{})
	sessions.RunSweeper(time.Minute, stop)
	defer close(stop)

	cancels := cancel.NewRegistry()

	generator := orchestrator.NewGenerator(sessions, store, embedder, selector, metrics, cancels, cfg.GenerationTimeout)
	ingestor := orchestrator.NewIngestor(store, embedder)

	server := httpapi.NewServer(generator, ingestor, sessions, cancels, store, logger, metrics.Handler())

	gin.SetMode(gin.ReleaseMode)
	router := server.Router()

	addr := getenv("HTTP_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("starting ragstreamd", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", zap.Int("activePrompts", len(cancels.ActivePromptIDs())))
	cancels.CancelAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
