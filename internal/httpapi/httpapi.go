// Package httpapi wires the generation and ingestion orchestrators to HTTP
// using gin: gin.New + Logger + Recovery + CORS middleware and versioned
// route groups.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragstream/internal/cancel"
	"ragstream/internal/ndjson"
	"ragstream/internal/orchestrator"
	"ragstream/internal/ragerr"
	"ragstream/internal/session"
	"ragstream/internal/vectorstore"
	"ragstream/internal/xjson"
)

// DocumentStore is the subset of the vector store the document endpoints
// need.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*vectorstore.Chunk, error)
	ListByRepo(ctx context.Context, repoURL string, page, pageSize int) ([]vectorstore.Chunk, error)
	Delete(ctx context.Context, id string) error
}

// Server exposes the core's inbound interface over HTTP.
type Server struct {
	generator      *orchestrator.Generator
	ingestor       *orchestrator.Ingestor
	sessions       *session.Manager
	cancels        *cancel.Registry
	store          DocumentStore
	logger         *zap.Logger
	metricsHandler http.Handler
}

// NewServer constructs a Server from its collaborators.
func NewServer(
	generator *orchestrator.Generator,
	ingestor *orchestrator.Ingestor,
	sessions *session.Manager,
	cancels *cancel.Registry,
	store DocumentStore,
	logger *zap.Logger,
	metricsHandler http.Handler,
) *Server {
	return &Server{
		generator:      generator,
		ingestor:       ingestor,
		sessions:       sessions,
		cancels:        cancels,
		store:          store,
		logger:         logger,
		metricsHandler: metricsHandler,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(corsMiddleware)

	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}
	r.GET("/health", s.healthHandler)

	api := r.Group("/api/v1")
	{
		api.POST("/sessions", s.createSessionHandler)
		api.POST("/sessions/:sessionId/prompts", s.submitPromptHandler)
		api.POST("/sessions/:sessionId/prompts/:promptId/cancel", s.cancelHandler)

		api.POST("/documents/ingest", s.ingestHandler)
		api.POST("/documents/ingest/stream", s.ingestStreamHandler)
		api.GET("/documents/:id", s.getDocumentHandler)
		api.GET("/documents", s.listDocumentsHandler)
		api.DELETE("/documents/:id", s.deleteDocumentHandler)
	}

	return r
}

func corsMiddleware(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "ragstream"})
}

type createSessionRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) createSessionHandler(c *gin.Context) {
	var req createSessionRequest
	_ = c.ShouldBindJSON(&req)
	sess := s.sessions.CreateSession(req.Owner)
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.ID})
}

type submitPromptRequest struct {
	Prompt         string               `json:"prompt" binding:"required"`
	TopK           int                  `json:"topK"`
	IdempotencyKey string               `json:"idempotencyKey"`
	Filters        *vectorstore.Filters `json:"filters"`
}

func (s *Server) submitPromptHandler(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req submitPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ragerr.New(ragerr.InvalidRequest, err.Error()))
		return
	}

	promptID, deltas, err := s.generator.Generate(c.Request.Context(), orchestrator.Request{
		SessionID:      sessionID,
		PromptText:     req.Prompt,
		TopK:           req.TopK,
		Filters:        req.Filters,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", ndjson.ContentType)
	c.Header("X-Prompt-Id", promptID)
	c.Status(http.StatusOK)

	w := ndjson.NewWriter(c.Writer)
	for d := range deltas {
		if werr := w.WriteDelta(d); werr != nil {
			s.logger.Error("failed writing delta", zap.Error(werr))
			return
		}
	}
}

func (s *Server) cancelHandler(c *gin.Context) {
	promptID := c.Param("promptId")
	cancelled := s.generator.Cancel(promptID)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

type ingestRequest struct {
	Documents []orchestrator.Document `json:"documents" binding:"required"`
	Options   ingestOptions           `json:"options"`
}

// ingestOptions is the wire form of orchestrator.IngestOptions.
// ContinueOnError is a pointer so an omitted field takes the true default
// while an explicit false is honored.
type ingestOptions struct {
	BatchSize         int                    `json:"batchSize"`
	MaxRetries        int                    `json:"maxRetries"`
	MaxTokensPerChunk int                    `json:"maxTokensPerChunk"`
	ContinueOnError   *bool                  `json:"continueOnError"`
	MetadataDefaults  map[string]interface{} `json:"metadataDefaults"`
	SkipEmbedding     bool                   `json:"skipEmbedding"`
	ModelID           string                 `json:"modelId"`
}

// toOptions merges the wire options over the defaults, field by field.
func (o ingestOptions) toOptions() orchestrator.IngestOptions {
	opts := orchestrator.DefaultIngestOptions()
	if o.BatchSize > 0 {
		opts.BatchSize = o.BatchSize
	}
	if o.MaxRetries > 0 {
		opts.MaxRetries = o.MaxRetries
	}
	if o.MaxTokensPerChunk > 0 {
		opts.MaxTokensPerChunk = o.MaxTokensPerChunk
	}
	if o.ContinueOnError != nil {
		opts.ContinueOnError = *o.ContinueOnError
	}
	if o.MetadataDefaults != nil {
		opts.MetadataDefaults = o.MetadataDefaults
	}
	opts.SkipEmbedding = o.SkipEmbedding
	if o.ModelID != "" {
		opts.ModelID = o.ModelID
	}
	return opts
}

func (s *Server) ingestHandler(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ragerr.New(ragerr.InvalidRequest, err.Error()))
		return
	}

	result, err := s.ingestor.Ingest(c.Request.Context(), req.Documents, req.Options.toOptions())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ingestStreamEvent is one line of the ingest-stream response: a
// per-document "progress" event, the final "result" event, or an "error"
// event in place of the result when the ingestion call fails.
type ingestStreamEvent struct {
	Type   string                        `json:"type"`
	Event  *orchestrator.ProgressEvent   `json:"event,omitempty"`
	Result *orchestrator.IngestionResult `json:"result,omitempty"`
}

// ingestStreamHandler mirrors ingestHandler but emits one ndjson progress
// line per completed document before the final aggregate result.
func (s *Server) ingestStreamHandler(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ragerr.New(ragerr.InvalidRequest, err.Error()))
		return
	}
	opts := req.Options.toOptions()
	if len(req.Documents) > orchestrator.MaxDocumentsPerCall {
		writeError(c, ragerr.New(ragerr.InvalidRequest, "too many documents in one ingest call"))
		return
	}

	c.Header("Content-Type", ndjson.ContentType)
	c.Status(http.StatusOK)

	writeLine := func(evt ingestStreamEvent) {
		b, err := xjson.Marshal(evt)
		if err != nil {
			s.logger.Error("failed marshalling ingest progress event", zap.Error(err))
			return
		}
		if _, err := c.Writer.Write(append(b, '\n')); err != nil {
			s.logger.Error("failed writing ingest progress event", zap.Error(err))
			return
		}
		c.Writer.Flush()
	}

	result, err := s.ingestor.IngestStream(c.Request.Context(), req.Documents, opts, func(evt orchestrator.ProgressEvent) {
		e := evt
		writeLine(ingestStreamEvent{Type: "progress", Event: &e})
	})
	if err != nil {
		// Headers are already committed at this point; report the failure
		// as an in-band error event instead of an HTTP status change.
		writeLine(ingestStreamEvent{Type: "error", Event: &orchestrator.ProgressEvent{ErrorMessage: err.Error()}})
		return
	}
	writeLine(ingestStreamEvent{Type: "result", Result: result})
}

func (s *Server) getDocumentHandler(c *gin.Context) {
	id := c.Param("id")
	doc, err := s.store.Get(c.Request.Context(), id)
	if err == vectorstore.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"code": ragerr.InvalidRequest, "message": "document not found"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) listDocumentsHandler(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	repoURL := c.Query("repoUrl")

	docs, err := s.store.ListByRepo(c.Request.Context(), repoURL, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "pageSize": pageSize, "repoUrl": repoURL, "documents": docs})
}

func (s *Server) deleteDocumentHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": id})
}

func writeError(c *gin.Context, err error) {
	code := ragerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case ragerr.InvalidRequest:
		status = http.StatusBadRequest
	case ragerr.SessionExpired:
		status = http.StatusNotFound
	case ragerr.ProviderUnavailable:
		status = http.StatusServiceUnavailable
	case ragerr.Cancelled:
		status = http.StatusConflict
	}
	msg := err.Error()
	if e, ok := ragerr.As(err); ok {
		msg = e.Message
	}
	c.JSON(status, gin.H{"code": code, "message": msg})
}
