package orchestrator

import (
	"context"
	"path"
	"regexp"
	"strings"
	"time"

	"ragstream/internal/chunk"
	"ragstream/internal/ragerr"
	"ragstream/internal/vectorstore"
)

// BatchEmbedder is the subset of the embedding service Ingest needs.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Upserter is the subset of the vector store Ingest needs.
type Upserter interface {
	Upsert(ctx context.Context, c *vectorstore.Chunk) error
}

const (
	// MaxDocumentsPerCall bounds how many documents a single Ingest/
	// IngestStream call accepts.
	MaxDocumentsPerCall = 1000
	maxDocumentBytes    = 5 * 1024 * 1024
)

// Stage identifies which part of the ingestion pipeline a per-document
// failure occurred in.
type Stage string

const (
	StageValidation Stage = "Validation"
	StageChunking   Stage = "Chunking"
	StageEmbedding  Stage = "Embedding"
	StageUpsert     Stage = "Upsert"
	StageUnknown    Stage = "Unknown"
)

// Document is one input to Ingest.
type Document struct {
	// Identifier optionally overrides the "<repoUrl>:<filePath>" identifier
	// used in error and progress reporting; left empty in the common case.
	Identifier string
	RepoURL    string
	FilePath   string
	Title      string
	Text       string
	Metadata   map[string]interface{}
}

// documentIdentifier returns doc.Identifier if the caller supplied one,
// otherwise the canonical "<repoUrl>:<filePath>" form used in error and
// progress reporting.
func documentIdentifier(doc Document) string {
	if doc.Identifier != "" {
		return doc.Identifier
	}
	return doc.RepoURL + ":" + doc.FilePath
}

// IngestOptions configure a single Ingest call.
type IngestOptions struct {
	BatchSize         int
	MaxRetries        int
	MaxTokensPerChunk int
	ContinueOnError   bool
	MetadataDefaults  map[string]interface{}
	SkipEmbedding     bool
	ModelID           string
}

// DefaultIngestOptions returns the defaults applied when the caller leaves
// options unset.
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{
		BatchSize:         32,
		MaxRetries:        3,
		MaxTokensPerChunk: 512,
		ContinueOnError:   true,
		ModelID:           "nomic-embed-text",
	}
}

// IngestError describes one document's failure.
type IngestError struct {
	DocumentIdentifier string
	ErrorMessage       string
	ExceptionType      string
	Stage              Stage
	IsRetryable        bool
}

// DocumentTiming records how long one document took to process, keyed by
// its caller-supplied identifier.
type DocumentTiming struct {
	DocumentIdentifier string
	DurationMs         int64
	ChunkCount         int
}

// IngestionResult aggregates the outcome of one Ingest call.
type IngestionResult struct {
	SuccessCount        int
	FailureCount        int
	TotalChunks         int
	DurationMs          int64
	IngestedDocumentIDs []string
	Errors              []IngestError
	// DocumentTimings is additive per-document detail beyond the aggregate
	// DurationMs; not required by any invariant.
	DocumentTimings []DocumentTiming
}

// Ingestor drives the validate/chunk/embed/upsert pipeline.
type Ingestor struct {
	store    Upserter
	embedder BatchEmbedder
}

// NewIngestor constructs an Ingestor from its collaborators.
func NewIngestor(store Upserter, embedder BatchEmbedder) *Ingestor {
	return &Ingestor{store: store, embedder: embedder}
}

// codeExtensions maps file extensions treated as source code.
var codeExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".java": true, ".rb": true, ".rs": true, ".c": true,
	".cpp": true, ".h": true, ".cs": true, ".php": true, ".sh": true,
}

// testPathSegments marks a file as non-implementation (test/spec) code.
var testPathSegments = []string{"test", "tests", "spec", "__tests__"}

// suspiciousPatterns flag likely prompt-injection attempts in ingested
// text; matches are recorded in metadata but never block ingestion.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
	regexp.MustCompile(`(?i)disregard (the )?system prompt`),
	regexp.MustCompile(`(?i)you are now`),
}

// Ingest validates, chunks, embeds and upserts each document in docs,
// isolating per-document failures when opts.ContinueOnError is true (the
// default).
func (ig *Ingestor) Ingest(ctx context.Context, docs []Document, opts IngestOptions) (*IngestionResult, error) {
	return ig.ingest(ctx, docs, opts, nil)
}

// ProgressEvent reports one document's completion during IngestStream.
type ProgressEvent struct {
	DocumentIdentifier string
	Index              int
	Total              int
	Success            bool
	ChunkCount         int
	ErrorMessage       string
}

// IngestStream runs the same pipeline as Ingest but invokes onProgress after
// every document completes, letting a caller stream per-document progress
// ahead of the final IngestionResult.
func (ig *Ingestor) IngestStream(ctx context.Context, docs []Document, opts IngestOptions, onProgress func(ProgressEvent)) (*IngestionResult, error) {
	return ig.ingest(ctx, docs, opts, onProgress)
}

func (ig *Ingestor) ingest(ctx context.Context, docs []Document, opts IngestOptions, onProgress func(ProgressEvent)) (*IngestionResult, error) {
	// Default each unset field on its own; a zero MaxTokensPerChunk must not
	// clobber options the caller did set (SkipEmbedding, ContinueOnError).
	def := DefaultIngestOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.MaxTokensPerChunk <= 0 {
		opts.MaxTokensPerChunk = def.MaxTokensPerChunk
	}
	if opts.ModelID == "" {
		opts.ModelID = def.ModelID
	}
	if len(docs) > MaxDocumentsPerCall {
		return nil, ragerr.New(ragerr.InvalidRequest, "too many documents in one Ingest call")
	}

	started := time.Now()
	result := &IngestionResult{}

	for idx, doc := range docs {
		docStarted := time.Now()
		docID := documentIdentifier(doc)
		chunks, err := ig.ingestOne(ctx, doc, opts)
		result.DocumentTimings = append(result.DocumentTimings, DocumentTiming{
			DocumentIdentifier: docID,
			DurationMs:         time.Since(docStarted).Milliseconds(),
			ChunkCount:         chunks,
		})
		if onProgress != nil {
			evt := ProgressEvent{DocumentIdentifier: docID, Index: idx, Total: len(docs), ChunkCount: chunks}
			if err != nil {
				evt.ErrorMessage = err.Error()
			} else {
				evt.Success = true
			}
			onProgress(evt)
		}
		if err != nil {
			ie, _ := err.(*ingestStageError)
			stage := StageUnknown
			retryable := ragerr.IsTransient(err)
			msg := err.Error()
			if ie != nil {
				stage = ie.stage
				msg = ie.Error()
			}
			result.FailureCount++
			result.Errors = append(result.Errors, IngestError{
				DocumentIdentifier: docID,
				ErrorMessage:       msg,
				Stage:              stage,
				IsRetryable:        retryable,
			})
			if ragerr.CodeOf(err) == ragerr.ProviderUnavailable {
				// The embedder or store's circuit breaker is open: further
				// documents would fail the same way, so abort the whole
				// batch instead of burning through it one failure at a time.
				result.DurationMs = time.Since(started).Milliseconds()
				return result, ragerr.Wrap(ragerr.ProviderUnavailable, "ingestion aborted: provider unavailable", err)
			}
			if !opts.ContinueOnError {
				break
			}
			continue
		}
		result.SuccessCount++
		result.TotalChunks += chunks
		result.IngestedDocumentIDs = append(result.IngestedDocumentIDs, docID)
	}

	result.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

// ingestStageError carries which pipeline stage failed, for error
// reporting.
type ingestStageError struct {
	stage Stage
	err   error
}

func (e *ingestStageError) Error() string { return e.err.Error() }
func (e *ingestStageError) Unwrap() error { return e.err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &ingestStageError{stage: stage, err: err}
}

func (ig *Ingestor) ingestOne(ctx context.Context, doc Document, opts IngestOptions) (int, error) {
	if err := validateDocument(doc); err != nil {
		return 0, stageErr(StageValidation, err)
	}

	metadata := deriveMetadata(doc, opts.MetadataDefaults)

	fileType := metadata["fileType"].(string)
	isCode := metadata["isCode"].(bool)
	isImplementation := metadata["isImplementation"].(bool)

	tokenCount := chunk.CountTokens(doc.Text, opts.ModelID)

	var parts []chunk.Chunk
	if tokenCount > opts.MaxTokensPerChunk {
		parts = chunk.Split(doc.Text, opts.ModelID, opts.MaxTokensPerChunk, documentIdentifier(doc))
	} else {
		parts = []chunk.Chunk{{Content: doc.Text, ChunkIndex: 0, TokenCount: tokenCount}}
	}
	if len(parts) == 0 {
		return 0, stageErr(StageChunking, ragerr.New(ragerr.InvalidRequest, "chunking produced no chunks"))
	}

	var embeddings [][]float32
	if !opts.SkipEmbedding {
		texts := make([]string, len(parts))
		for i, p := range parts {
			texts[i] = p.Content
		}
		e, err := ig.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, stageErr(StageEmbedding, err)
		}
		embeddings = e
	}

	for i, p := range parts {
		var vec []float32
		if embeddings != nil {
			vec = embeddings[i]
		}
		c := &vectorstore.Chunk{
			RepoURL:          doc.RepoURL,
			FilePath:         doc.FilePath,
			Title:            doc.Title,
			Text:             p.Content,
			Embedding:        vec,
			FileType:         fileType,
			IsCode:           isCode,
			IsImplementation: isImplementation,
			TokenCount:       p.TokenCount,
			ChunkIndex:       i,
			TotalChunks:      len(parts),
			Metadata:         metadata,
		}
		if err := ig.store.Upsert(ctx, c); err != nil {
			return i, stageErr(StageUpsert, err)
		}
	}

	return len(parts), nil
}

func validateDocument(doc Document) error {
	if doc.RepoURL == "" || doc.FilePath == "" {
		return ragerr.New(ragerr.InvalidRequest, "repoUrl and filePath are required")
	}
	if len(doc.RepoURL) > 500 {
		return ragerr.New(ragerr.InvalidRequest, "repoUrl exceeds 500 characters")
	}
	if len(doc.FilePath) > 1000 {
		return ragerr.New(ragerr.InvalidRequest, "filePath exceeds 1000 characters")
	}
	if doc.Text == "" {
		return ragerr.New(ragerr.InvalidRequest, "text must not be empty")
	}
	if len(doc.Text) > maxDocumentBytes {
		return ragerr.New(ragerr.InvalidRequest, "text exceeds 5 MiB limit")
	}
	return nil
}

// deriveMetadata computes fileType/isCode/isImplementation/language from
// the document path and flags suspicious content patterns, merging caller
// supplied defaults underneath the derived values.
func deriveMetadata(doc Document, defaults map[string]interface{}) map[string]interface{} {
	meta := make(map[string]interface{}, len(defaults)+6)
	for k, v := range defaults {
		meta[k] = v
	}
	for k, v := range doc.Metadata {
		meta[k] = v
	}

	ext := strings.ToLower(path.Ext(doc.FilePath))
	meta["fileType"] = strings.TrimPrefix(ext, ".")
	meta["isCode"] = codeExtensions[ext]
	meta["isImplementation"] = !isTestPath(doc.FilePath)
	meta["language"] = languageFromExtension(ext)

	if flags := detectSuspiciousContent(doc.Text); len(flags) > 0 {
		meta["suspiciousContentFlags"] = flags
	}

	return meta
}

func isTestPath(filePath string) bool {
	lower := strings.ToLower(filePath)
	for _, seg := range testPathSegments {
		if strings.Contains(lower, "/"+seg+"/") || strings.Contains(lower, seg+".") {
			return true
		}
	}
	return false
}

func languageFromExtension(ext string) string {
	switch ext {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}

func detectSuspiciousContent(text string) []string {
	var flags []string
	for _, re := range suspiciousPatterns {
		if re.MatchString(text) {
			flags = append(flags, re.String())
		}
	}
	return flags
}
