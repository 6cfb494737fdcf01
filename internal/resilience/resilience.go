// Package resilience wraps outbound calls to embedding providers and the
// vector store with the retry-then-trip pattern used throughout the
// generation and ingestion pipelines: a handful of backoff retries for
// transient failures, gated by a circuit breaker so a failing dependency
// stops being hammered.
package resilience

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"ragstream/internal/ragerr"
)

// Policy bundles the retry and circuit-breaker knobs for one dependency
// (e.g. "embedding-provider" or "vector-store"). Defaults: 1s initial
// backoff, 3 attempts; breaker trips at a 0.5 failure ratio over a 30s
// window with a 5-request minimum, and stays open for 30s.
type Policy struct {
	Name              string
	InitialInterval   time.Duration
	MaxAttempts       uint64
	FailureRatio      float64
	Window            time.Duration
	MinRequests       uint32
	BreakDuration     time.Duration
}

// DefaultPolicy returns the standard policy for a named dependency.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:            name,
		InitialInterval: time.Second,
		MaxAttempts:     3,
		FailureRatio:    0.5,
		Window:          30 * time.Second,
		MinRequests:     5,
		BreakDuration:   30 * time.Second,
	}
}

// Guard executes calls under both a retry policy and a circuit breaker.
type Guard struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

// NewGuard constructs a Guard for the given policy.
func NewGuard(p Policy) *Guard {
	settings := gobreaker.Settings{
		Name:        p.Name,
		MaxRequests: p.MinRequests,
		Interval:    p.Window,
		Timeout:     p.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < p.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= p.FailureRatio
		},
	}
	return &Guard{policy: p, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn, retrying transient failures up to the policy's MaxAttempts
// with exponential backoff, all gated by the circuit breaker. If the
// breaker is open, it fails fast with ragerr.ProviderUnavailable.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := func() error {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ragerr.Wrap(ragerr.ProviderUnavailable, g.policy.Name+" circuit open", err))
			}
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.policy.InitialInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, g.policy.MaxAttempts-1)
	ctxBackoff := backoff.WithContext(bounded, ctx)

	return backoff.Retry(op, ctxBackoff)
}

// State reports the current breaker state for observability surfaces.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// isRetryable classifies an error as worth retrying. ragerr codes that
// signal a permanent client mistake (invalid request, expired session,
// caller-initiated cancellation) never retry; everything else, including
// opaque network errors, does.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := ragerr.As(err); ok {
		return ragerr.IsTransient(e)
	}
	if ctxErr := context.Canceled; errors.Is(err, ctxErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporary"),
		strings.Contains(msg, "eof"):
		return true
	}
	type temporary interface{ Temporary() bool }
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
