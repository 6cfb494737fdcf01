// Package orchestrator implements the two pipelines that sit on top of
// every other component: generation (retrieve context, stream a model
// response, normalize it) and ingestion (validate, chunk, embed, upsert a
// batch of documents). Each prompt runs its own producer/consumer pair so
// cancellation is scoped to one prompt instead of a shared queue.
package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ragstream/internal/cancel"
	"ragstream/internal/provider"
	"ragstream/internal/ragerr"
	"ragstream/internal/session"
	"ragstream/internal/stream"
	"ragstream/internal/vectorstore"
)

var tracer = otel.Tracer("ragstream/orchestrator")

// rawChunkBuffer bounds the producer/consumer handoff: the provider
// goroutine blocks writing a raw chunk once this many are queued, so a
// slow consumer applies backpressure instead of the producer buffering
// unbounded chunks in memory.
const rawChunkBuffer = 8

// Embedder is the subset of the embedding service Generate needs; narrowed
// to an interface so the orchestrator can be exercised with a fake in
// tests without a live model endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever is the subset of the vector store Generate needs.
type Retriever interface {
	Query(ctx context.Context, vec []float32, k int, filters *vectorstore.Filters) ([]vectorstore.Match, error)
}

// MetricsRecorder is the subset of the observability surface Generate
// records against.
type MetricsRecorder interface {
	RecordTimeToFirstToken(ctx context.Context, providerName string, d time.Duration)
	RecordToken(ctx context.Context, providerName string)
	RecordTokensPerSecond(ctx context.Context, providerName string, rate float64)
	RecordError(ctx context.Context, providerName, errorType string)
}

// defaultGenerationTimeout bounds a single prompt's generation when
// NewGenerator is given a zero timeout.
const defaultGenerationTimeout = 30 * time.Second

// Generator wires the session manager, vector store, embedder, provider
// selector, normalizer and metrics together to serve Generate.
type Generator struct {
	sessions    *session.Manager
	store       Retriever
	embedder    Embedder
	selector    *provider.Selector
	metrics     MetricsRecorder
	cancels     *cancel.Registry
	topKDefault int
	genTimeout  time.Duration
}

// NewGenerator constructs a Generator from its collaborators. genTimeout
// bounds how long a single Generate call may run before its stream is cut
// off; zero selects the 30s default.
func NewGenerator(
	sessions *session.Manager,
	store Retriever,
	embedder Embedder,
	selector *provider.Selector,
	metrics MetricsRecorder,
	cancels *cancel.Registry,
	genTimeout time.Duration,
) *Generator {
	if genTimeout <= 0 {
		genTimeout = defaultGenerationTimeout
	}
	return &Generator{
		sessions:    sessions,
		store:       store,
		embedder:    embedder,
		selector:    selector,
		metrics:     metrics,
		cancels:     cancels,
		topKDefault: 5,
		genTimeout:  genTimeout,
	}
}

// Request describes one call to Generate.
type Request struct {
	SessionID      string
	PromptText     string
	TopK           int
	Filters        *vectorstore.Filters
	IdempotencyKey string
}

// Generate validates the request, retrieves context, drives the selected
// provider's stream through the normalizer, and emits GenerationDelta
// events on the returned channel. The channel is closed when the stream
// ends, whether normally, on error, or on cancellation. promptID is
// returned immediately so the caller can register it for Cancel before
// the first delta arrives.
func (g *Generator) Generate(ctx context.Context, req Request) (promptID string, deltas <-chan stream.Delta, err error) {
	if req.PromptText == "" {
		return "", nil, ragerr.New(ragerr.InvalidRequest, "promptText must not be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = g.topKDefault
	}

	sess, err := g.sessions.GetSession(req.SessionID)
	if err != nil {
		return "", nil, err
	}
	g.sessions.Touch(sess)

	if pid, cached, ok := g.sessions.LookupIdempotent(req.SessionID, req.IdempotencyKey); ok {
		out := make(chan stream.Delta, len(cached))
		for _, d := range cached {
			out <- d
		}
		close(out)
		return pid, out, nil
	}

	prompt := sess.CreatePrompt(req.PromptText, req.IdempotencyKey)

	genCtx, genCancel := context.WithTimeout(ctx, g.genTimeout)
	g.cancels.Register(prompt.ID, genCancel)

	out := make(chan stream.Delta)
	go g.run(genCtx, genCancel, sess, prompt, req, topK, out)

	return prompt.ID, out, nil
}

// Cancel signals the in-flight generation for promptID to stop; observed
// within the provider's next chunk read or cancellation check.
func (g *Generator) Cancel(promptID string) bool {
	return g.cancels.Cancel(promptID)
}

func (g *Generator) run(
	ctx context.Context,
	cancelFn context.CancelFunc,
	sess *session.Session,
	prompt *session.Prompt,
	req Request,
	topK int,
	out chan<- stream.Delta,
) {
	defer close(out)
	defer cancelFn()
	defer g.cancels.Unregister(prompt.ID)

	ctx, span := tracer.Start(ctx, "orchestrator.Generate",
		trace.WithAttributes(attribute.String("promptId", prompt.ID), attribute.String("sessionId", req.SessionID)))
	defer span.End()

	normalizer := stream.New(prompt.ID, stream.RoleAssistant, stream.WithDedupe())
	var emitted []stream.Delta

	emit := func(d stream.Delta) bool {
		emitted = append(emitted, d)
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	contextText, embedErr := g.retrieveContext(ctx, req.PromptText, topK, req.Filters)
	if embedErr != nil {
		g.metrics.RecordError(ctx, "", string(ragerr.CodeOf(embedErr)))
	}

	chosen, pickErr := g.selector.Pick(ctx)
	if pickErr != nil {
		sess.UpdatePromptStatus(prompt.ID, session.PromptError)
		emit(normalizer.Fail(ragerr.Wrap(ragerr.ProviderUnavailable, "no model provider available", pickErr)))
		g.metrics.RecordError(ctx, "", string(ragerr.ProviderUnavailable))
		return
	}

	raw := make(chan []byte, rawChunkBuffer)
	streamErrCh := make(chan error, 1)
	go func() {
		streamErrCh <- chosen.Stream(ctx, req.PromptText, contextText, raw)
		close(raw)
	}()

	started := time.Now()
	firstToken := true

	for chunk := range raw {
		select {
		case <-ctx.Done():
			sess.UpdatePromptStatus(prompt.ID, session.Cancelled)
			return
		default:
		}

		d, ok := normalizer.Feed(chunk)
		if !ok {
			continue
		}
		if firstToken {
			g.metrics.RecordTimeToFirstToken(ctx, chosen.Name(), time.Since(started))
			firstToken = false
		}
		g.metrics.RecordToken(ctx, chosen.Name())
		sess.SetPromptTokenCount(prompt.ID, normalizer.NextSeq())

		if !emit(d) {
			sess.UpdatePromptStatus(prompt.ID, session.Cancelled)
			return
		}
	}

	select {
	case <-ctx.Done():
		sess.UpdatePromptStatus(prompt.ID, session.Cancelled)
		return
	default:
	}

	if streamErr := <-streamErrCh; streamErr != nil {
		sess.UpdatePromptStatus(prompt.ID, session.PromptError)
		wrapped := ragerr.Wrap(ragerr.ProviderStreamError, "provider stream failed", streamErr)
		emit(normalizer.Fail(wrapped))
		g.metrics.RecordError(ctx, chosen.Name(), string(ragerr.ProviderStreamError))
		return
	}

	if !firstToken {
		elapsed := time.Since(started).Seconds()
		if elapsed > 0 {
			g.metrics.RecordTokensPerSecond(ctx, chosen.Name(), float64(normalizer.NextSeq())/elapsed)
		}
	}

	sess.UpdatePromptStatus(prompt.ID, session.Done)
	emit(normalizer.Done())

	g.sessions.BindIdempotent(req.SessionID, req.IdempotencyKey, prompt.ID, emitted)
}

// retrieveContext embeds promptText and queries the vector store for the
// top-k most similar chunks, concatenating their text. An embedding or
// query failure degrades to an empty context rather than aborting
// generation.
func (g *Generator) retrieveContext(ctx context.Context, promptText string, topK int, filters *vectorstore.Filters) (string, error) {
	vec, err := g.embedder.Embed(ctx, promptText)
	if err != nil {
		return "", ragerr.Wrap(ragerr.EmbeddingFailure, "query embedding failed", err)
	}

	matches, err := g.store.Query(ctx, vec, topK, filters)
	if err != nil {
		return "", err
	}

	contextText := ""
	for _, m := range matches {
		contextText += m.Chunk.Text + "\n\n"
	}
	return contextText, nil
}
