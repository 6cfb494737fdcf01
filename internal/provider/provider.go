// Package provider implements the model-provider contract: streaming raw
// byte/text chunks for a prompt, a health probe, and cancellable requests.
// Grounded in the Ollama /api/generate streaming decode loop, generalized
// from a single hardcoded model/host to a provider interface with a
// configuration-ordered selector that, per stream (not per token), skips a
// provider whose availability probe fails and uses the next one.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider streams raw chunks for a prompt from a single backend.
type Provider interface {
	// Name identifies the provider for observability dimensions.
	Name() string
	// IsAvailable reports whether the provider currently looks reachable.
	IsAvailable(ctx context.Context) bool
	// Stream sends raw chunks to out until the response completes, ctx is
	// cancelled, or an error occurs. out is never closed by Stream; the
	// caller owns its lifecycle.
	Stream(ctx context.Context, prompt string, contextText string, out chan<- []byte) error
}

// Options configure a single generation call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ---------------------------- Ollama provider ----------------------------

type ollamaGenerateRequest struct {
	Model       string                 `json:"model"`
	Prompt      string                 `json:"prompt"`
	Stream      bool                   `json:"stream"`
	Temperature float64                `json:"temperature,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Ollama is a Provider backed by an Ollama-compatible /api/generate
// endpoint.
type Ollama struct {
	baseURL string
	opts    Options
	client  *http.Client
}

// NewOllama constructs an Ollama provider against baseURL.
func NewOllama(baseURL string, opts Options) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  &http.Client{},
	}
}

func (o *Ollama) Name() string { return "ollama:" + o.opts.Model }

// IsAvailable probes the Ollama /api/tags endpoint with a short timeout.
func (o *Ollama) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stream issues a streaming generate call and forwards each raw response
// fragment to out as it is decoded from the ndjson body Ollama returns.
func (o *Ollama) Stream(ctx context.Context, prompt string, contextText string, out chan<- []byte) error {
	fullPrompt := prompt
	if contextText != "" {
		fullPrompt = contextText + "\n\n" + prompt
	}

	payload, err := json.Marshal(ollamaGenerateRequest{
		Model:       o.opts.Model,
		Prompt:      fullPrompt,
		Stream:      true,
		Temperature: o.opts.Temperature,
		Options: map[string]interface{}{
			"num_predict": o.opts.MaxTokens,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("generate API status %d: %s", resp.StatusCode, string(body))
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var chunk ollamaGenerateChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if chunk.Response != "" {
			select {
			case out <- []byte(chunk.Response):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

// ---------------------------- Mock provider ----------------------------

// Mock is a deterministic Provider used in tests and local development; it
// replays a fixed sequence of raw chunks with a configurable inter-chunk
// delay.
type Mock struct {
	ProviderName string
	Chunks       [][]byte
	Delay        time.Duration
	Unavailable  bool
	FailWith     error
}

func (m *Mock) Name() string { return m.ProviderName }

func (m *Mock) IsAvailable(ctx context.Context) bool { return !m.Unavailable }

func (m *Mock) Stream(ctx context.Context, prompt string, contextText string, out chan<- []byte) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	for _, c := range m.Chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- c:
		}
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.Delay):
			}
		}
	}
	return nil
}

// ---------------------------- Selector ----------------------------

// Selector holds a configuration-ordered list of providers. A failing
// primary degrades to the next available provider for the whole stream,
// never mid-stream after bytes have already been emitted to the caller.
type Selector struct {
	providers []Provider
}

// NewSelector builds a Selector trying providers in the given order.
func NewSelector(providers ...Provider) *Selector {
	return &Selector{providers: providers}
}

// Pick returns the first available provider in configuration order, or an
// error if none are reachable.
func (s *Selector) Pick(ctx context.Context) (Provider, error) {
	for _, p := range s.providers {
		if p.IsAvailable(ctx) {
			return p, nil
		}
	}
	if len(s.providers) > 0 {
		return nil, fmt.Errorf("no provider available out of %d configured", len(s.providers))
	}
	return nil, fmt.Errorf("no providers configured")
}

// Providers returns the configured provider list in order.
func (s *Selector) Providers() []Provider { return s.providers }
