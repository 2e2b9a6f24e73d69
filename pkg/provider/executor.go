package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
)

// ErrNoCandidates is returned when there is nothing to execute against.
var ErrNoCandidates = errors.New("no candidates to execute")

// AdvanceFunc is called before execution moves on to the next candidate.
// attempt is the 1-based position of next; cause is the error that made
// the previous candidate fail. Returning an error aborts execution.
type AdvanceFunc func(ctx context.Context, next models.Candidate, attempt int, cause error) error

// Outcome reports which candidate served a call, or failed last.
type Outcome struct {
	Candidate models.Candidate
	Attempts  int
	Latency   time.Duration
}

// Executor runs a request against candidates in order, moving to the next
// one only on retryable failures.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an Executor. timeout bounds each attempt; zero
// disables the bound.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, timeout: timeout, logger: logger}
}

func (e *Executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Complete executes a non-streaming request.
func (e *Executor) Complete(ctx context.Context, group string, candidates []models.Candidate, req Request, advance AdvanceFunc) (*Response, Outcome, error) {
	if len(candidates) == 0 {
		return nil, Outcome{}, ErrNoCandidates
	}
	var (
		out     Outcome
		lastErr error
	)
	start := time.Now()
	for cursor := 0; cursor < len(candidates); cursor++ {
		c := candidates[cursor]
		if err := e.advanceTo(ctx, group, cursor, c, advance, lastErr); err != nil {
			return nil, out, err
		}
		out.Candidate, out.Attempts = c, cursor+1

		client, ok := e.registry.Client(c.Provider)
		if !ok {
			lastErr = &Error{Provider: c.Provider, Model: c.Model, Kind: KindUnavailable, Message: "provider not configured"}
			continue
		}

		attemptCtx, cancel := e.attemptContext(ctx)
		attemptStart := time.Now()
		attemptReq := req
		attemptReq.Model = c.Model
		resp, err := client.Complete(attemptCtx, attemptReq)
		cancel()
		observe(c, attemptStart, err)
		out.Latency = time.Since(start)

		if err == nil {
			return resp, out, nil
		}
		lastErr = err
		if !e.shouldAdvance(ctx, c, err) {
			return nil, out, err
		}
	}
	return nil, out, lastErr
}

// OpenStream opens a streaming request. The first chunk is read before
// returning so that a candidate failing before any output can still fall
// back; once a stream is returned there is no further fallback. The
// attempt timeout bounds the whole stream and is released by Close.
func (e *Executor) OpenStream(ctx context.Context, group string, candidates []models.Candidate, req Request, advance AdvanceFunc) (Stream, Outcome, error) {
	if len(candidates) == 0 {
		return nil, Outcome{}, ErrNoCandidates
	}
	var (
		out     Outcome
		lastErr error
	)
	start := time.Now()
	for cursor := 0; cursor < len(candidates); cursor++ {
		c := candidates[cursor]
		if err := e.advanceTo(ctx, group, cursor, c, advance, lastErr); err != nil {
			return nil, out, err
		}
		out.Candidate, out.Attempts = c, cursor+1

		client, ok := e.registry.Client(c.Provider)
		if !ok {
			lastErr = &Error{Provider: c.Provider, Model: c.Model, Kind: KindUnavailable, Message: "provider not configured"}
			continue
		}

		streamCtx, cancel := e.attemptContext(ctx)
		attemptStart := time.Now()
		attemptReq := req
		attemptReq.Model = c.Model
		st, err := client.Stream(streamCtx, attemptReq)
		var first Chunk
		if err == nil {
			first, err = st.Recv()
			if err != nil && !errors.Is(err, io.EOF) {
				st.Close()
			}
		}
		if err == nil || errors.Is(err, io.EOF) {
			observe(c, attemptStart, nil)
			out.Latency = time.Since(start)
			return &peekedStream{inner: st, first: first, firstErr: err, cancel: cancel}, out, nil
		}

		cancel()
		observe(c, attemptStart, err)
		out.Latency = time.Since(start)
		lastErr = err
		if !e.shouldAdvance(ctx, c, err) {
			return nil, out, err
		}
	}
	return nil, out, lastErr
}

func (e *Executor) advanceTo(ctx context.Context, group string, cursor int, next models.Candidate, advance AdvanceFunc, cause error) error {
	if cursor == 0 {
		return nil
	}
	metrics.FallbackAdvancesTotal.WithLabelValues(group).Inc()
	if advance == nil {
		return nil
	}
	return advance(ctx, next, cursor+1, cause)
}

func (e *Executor) shouldAdvance(ctx context.Context, c models.Candidate, err error) bool {
	if ctx.Err() != nil || !IsRetryable(err) {
		return false
	}
	e.logger.WarnContext(ctx, "provider attempt failed, trying next",
		"provider", c.Provider, "model", c.Model, "kind", Kind(err), "error", err)
	return true
}

func observe(c models.Candidate, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(Kind(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.ProviderAttemptsTotal.WithLabelValues(c.Provider, c.Model, outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(c.Provider, c.Model).Observe(time.Since(start).Seconds())
}

// peekedStream replays the chunk read while choosing a candidate.
type peekedStream struct {
	inner    Stream
	first    Chunk
	firstErr error
	consumed bool
	cancel   context.CancelFunc
}

func (s *peekedStream) Recv() (Chunk, error) {
	if !s.consumed {
		s.consumed = true
		return s.first, s.firstErr
	}
	return s.inner.Recv()
}

func (s *peekedStream) Close() error {
	err := s.inner.Close()
	s.cancel()
	return err
}
