package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragstream/internal/cancel"
	"ragstream/internal/orchestrator"
	"ragstream/internal/provider"
	"ragstream/internal/session"
	"ragstream/internal/vectorstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type stubRetriever struct{}

func (stubRetriever) Query(ctx context.Context, vec []float32, k int, filters *vectorstore.Filters) ([]vectorstore.Match, error) {
	return nil, nil
}

type stubUpserter struct{}

func (stubUpserter) Upsert(ctx context.Context, c *vectorstore.Chunk) error { return nil }

type stubDocumentStore struct {
	docs map[string]*vectorstore.Chunk
}

func (s *stubDocumentStore) Get(ctx context.Context, id string) (*vectorstore.Chunk, error) {
	if c, ok := s.docs[id]; ok {
		return c, nil
	}
	return nil, vectorstore.ErrNoRows
}

func (s *stubDocumentStore) ListByRepo(ctx context.Context, repoURL string, page, pageSize int) ([]vectorstore.Chunk, error) {
	var out []vectorstore.Chunk
	for _, c := range s.docs {
		out = append(out, *c)
	}
	return out, nil
}

func (s *stubDocumentStore) Delete(ctx context.Context, id string) error {
	delete(s.docs, id)
	return nil
}

func newTestServer() *Server {
	sessions := session.NewManager(time.Hour, 32)
	mock := &provider.Mock{ProviderName: "mock", Chunks: [][]byte{[]byte("hi")}}
	generator := orchestrator.NewGenerator(
		sessions, stubRetriever{}, stubEmbedder{}, provider.NewSelector(mock), noopMetrics{}, cancel.NewRegistry(), time.Minute,
	)
	ingestor := orchestrator.NewIngestor(stubUpserter{}, stubEmbedder{})
	store := &stubDocumentStore{docs: map[string]*vectorstore.Chunk{
		"doc-1": {ID: "doc-1", RepoURL: "r", FilePath: "a.go", Text: "package a"},
	}}
	logger := zap.NewNop()
	return NewServer(generator, ingestor, sessions, cancel.NewRegistry(), store, logger, nil)
}

type noopMetrics struct{}

func (noopMetrics) RecordTimeToFirstToken(ctx context.Context, providerName string, d time.Duration) {}
func (noopMetrics) RecordToken(ctx context.Context, providerName string)                             {}
func (noopMetrics) RecordTokensPerSecond(ctx context.Context, providerName string, rate float64)     {}
func (noopMetrics) RecordError(ctx context.Context, providerName, errorType string)                  {}

func init() { gin.SetMode(gin.TestMode) }

func TestHealthHandler(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateSessionHandler(t *testing.T) {
	s := newTestServer()
	body := bytes.NewBufferString(`{"owner":"alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["sessionId"] == "" {
		t.Error("expected a non-empty sessionId")
	}
}

func TestSubmitPromptHandlerStreamsNdjson(t *testing.T) {
	s := newTestServer()
	router := s.Router()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString(`{}`))
	sessReq.Header.Set("Content-Type", "application/json")
	sessRec := httptest.NewRecorder()
	router.ServeHTTP(sessRec, sessReq)
	var sess map[string]string
	json.Unmarshal(sessRec.Body.Bytes(), &sess)

	promptReq := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sess["sessionId"]+"/prompts",
		bytes.NewBufferString(`{"prompt":"hello"}`))
	promptReq.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, promptReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Errorf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Prompt-Id") == "" {
		t.Error("expected X-Prompt-Id header")
	}
	if rec.Body.Len() == 0 {
		t.Error("expected a non-empty ndjson body")
	}
}

func TestSubmitPromptHandlerRejectsUnknownSession(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/does-not-exist/prompts",
		bytes.NewBufferString(`{"prompt":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetDocumentHandler(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/documents/missing", nil)
	missRec := httptest.NewRecorder()
	s.Router().ServeHTTP(missRec, missing)
	if missRec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missRec.Code)
	}
}

func TestListDocumentsHandler(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &got)
	docs, ok := got["documents"].([]interface{})
	if !ok || len(docs) != 1 {
		t.Errorf("documents = %v, want 1 entry", got["documents"])
	}
}

func TestIngestHandler(t *testing.T) {
	s := newTestServer()
	body := `{"documents":[{"repoUrl":"r","filePath":"a.go","text":"package a"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var result orchestrator.IngestionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", result.SuccessCount)
	}
}

func TestIngestOptionsMergeOverDefaultsFieldByField(t *testing.T) {
	// Empty wire options take every default, including ContinueOnError=true.
	got := ingestOptions{}.toOptions()
	want := orchestrator.DefaultIngestOptions()
	if !got.ContinueOnError || got.MaxTokensPerChunk != want.MaxTokensPerChunk ||
		got.BatchSize != want.BatchSize || got.MaxRetries != want.MaxRetries || got.ModelID != want.ModelID {
		t.Errorf("zero wire options = %+v, want defaults %+v", got, want)
	}

	// Each explicitly-set field survives on its own; the rest still default.
	f := false
	got = ingestOptions{ContinueOnError: &f, SkipEmbedding: true}.toOptions()
	if got.ContinueOnError {
		t.Error("explicit continueOnError=false was overridden by the default")
	}
	if !got.SkipEmbedding {
		t.Error("skipEmbedding=true was discarded while defaulting other fields")
	}
	if got.MaxTokensPerChunk != want.MaxTokensPerChunk {
		t.Errorf("MaxTokensPerChunk = %d, want default %d", got.MaxTokensPerChunk, want.MaxTokensPerChunk)
	}
	if got.ModelID != want.ModelID {
		t.Errorf("ModelID = %q, want default %q", got.ModelID, want.ModelID)
	}
}

func TestIngestStreamHandlerEmitsProgressThenResult(t *testing.T) {
	s := newTestServer()
	body := `{"documents":[{"repoUrl":"r","filePath":"a.go","text":"package a"},{"repoUrl":"r","filePath":"b.go","text":"package b"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/ingest/stream", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Errorf("content-type = %q", rec.Header().Get("Content-Type"))
	}

	lines := bytes.Split(bytes.TrimRight(rec.Body.Bytes(), "\n"), []byte("\n"))
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 2 progress events + 1 result", len(lines))
	}

	for _, line := range lines[:2] {
		var evt map[string]interface{}
		if err := json.Unmarshal(line, &evt); err != nil {
			t.Fatalf("unmarshal progress line: %v", err)
		}
		if evt["type"] != "progress" {
			t.Errorf("type = %v, want progress", evt["type"])
		}
	}

	var final map[string]interface{}
	if err := json.Unmarshal(lines[2], &final); err != nil {
		t.Fatalf("unmarshal result line: %v", err)
	}
	if final["type"] != "result" {
		t.Errorf("type = %v, want result", final["type"])
	}
}

func TestCancelHandlerUnknownPrompt(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/prompts/nope/cancel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["cancelled"] {
		t.Error("expected cancelled=false for an unknown promptId")
	}
}
