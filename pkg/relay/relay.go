// Package relay forwards a provider stream to a caller while accumulating
// the data needed to record the call once the stream ends.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/provider"
)

// ErrorTypeClientDisconnected marks calls whose caller went away mid-stream.
const ErrorTypeClientDisconnected = "client_disconnected"

// Frame is one caller-facing stream event.
type Frame struct {
	DeltaContent string        `json:"delta_content,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *models.Usage `json:"usage,omitempty"`
	Error        *FrameError   `json:"error,omitempty"`
}

// FrameError describes why a stream stopped early.
type FrameError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Writer delivers frames to the caller.
type Writer interface {
	WriteFrame(Frame) error
	WriteDone() error
}

// Final is the accumulated result of a stream.
type Final struct {
	Content      string
	FinishReason string
	Usage        *models.Usage
	Chunks       int
	Err          error
	ErrorType    string
}

// Tokens returns the reported usage, or an estimate of one output token
// per content chunk when the stream ended before usage arrived.
func (f Final) Tokens() (input, output int64) {
	if f.Usage != nil {
		return int64(f.Usage.PromptTokens), int64(f.Usage.CompletionTokens)
	}
	return 0, int64(f.Chunks)
}

// FinalizeFunc persists the call. It runs before the end marker is written.
type FinalizeFunc func(ctx context.Context, f Final) error

// Relay pumps provider streams to callers.
type Relay struct {
	buffer int
	logger *slog.Logger
}

// New creates a Relay whose reader can run up to buffer chunks ahead of
// the caller.
func New(buffer int, logger *slog.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{buffer: buffer, logger: logger}
}

type event struct {
	chunk provider.Chunk
	final *Final
}

// Run forwards st to w until the upstream ends, then records the call via
// finalize and writes the end marker. The stream is closed before Run
// returns. The returned error is the client write failure or the
// finalize failure, if any; upstream interruptions are reported in Final.
func (r *Relay) Run(ctx context.Context, st provider.Stream, w Writer, finalize FinalizeFunc) (Final, error) {
	closeStream := sync.OnceValue(st.Close)
	defer closeStream()

	events := make(chan event, r.buffer)
	go r.read(st, events)

	var (
		final    Final
		writeErr error
	)
	for ev := range events {
		if ev.final != nil {
			final = *ev.final
			continue
		}
		if writeErr != nil {
			continue
		}
		if err := w.WriteFrame(Frame{
			DeltaContent: ev.chunk.Delta,
			FinishReason: ev.chunk.FinishReason,
			Usage:        ev.chunk.Usage,
		}); err != nil {
			// Closing the upstream unblocks the reader, which then reports
			// the final message and closes the channel.
			writeErr = err
			_ = closeStream()
		}
	}

	// The caller may be gone; the call must still be recorded.
	persistCtx := context.WithoutCancel(ctx)

	if writeErr != nil || (final.Err != nil && ctx.Err() != nil) {
		if writeErr != nil {
			final.Err = writeErr
		}
		final.ErrorType = ErrorTypeClientDisconnected
		metrics.StreamsInterruptedTotal.WithLabelValues(ErrorTypeClientDisconnected).Inc()
		if err := finalize(persistCtx, final); err != nil {
			r.logger.ErrorContext(persistCtx, "record disconnected stream", "error", err)
		}
		if writeErr != nil {
			return final, writeErr
		}
		return final, ctx.Err()
	}

	if final.Err != nil {
		final.ErrorType = string(provider.Kind(final.Err))
		if final.ErrorType == "" {
			final.ErrorType = "stream_interrupted"
		}
		metrics.StreamsInterruptedTotal.WithLabelValues(final.ErrorType).Inc()
		_ = w.WriteFrame(Frame{Error: &FrameError{Message: final.Err.Error(), Type: final.ErrorType}})
	}

	if err := finalize(persistCtx, final); err != nil {
		r.logger.ErrorContext(persistCtx, "record streamed call", "error", err)
		_ = w.WriteFrame(Frame{Error: &FrameError{Message: "failed to record call", Type: "internal_error"}})
		_ = w.WriteDone()
		return final, err
	}
	return final, w.WriteDone()
}

// read pulls chunks until the upstream ends and then sends one final
// accumulated message.
func (r *Relay) read(st provider.Stream, events chan<- event) {
	defer close(events)

	var (
		text  strings.Builder
		final Final
	)
	for {
		chunk, err := st.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				final.Err = err
			}
			break
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			final.Chunks++
		}
		if chunk.FinishReason != "" {
			final.FinishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			final.Usage = &u
		}
		events <- event{chunk: chunk}
	}
	final.Content = text.String()
	events <- event{final: &final}
}
