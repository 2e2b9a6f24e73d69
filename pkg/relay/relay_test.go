package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/provider"
)

// fakeStream yields chunks, then failErr (or io.EOF when nil).
type fakeStream struct {
	mu      sync.Mutex
	chunks  []provider.Chunk
	failErr error
	closed  bool
	pos     int
}

func (s *fakeStream) Recv() (provider.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.Chunk{}, errors.New("stream closed")
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.failErr != nil {
		return provider.Chunk{}, s.failErr
	}
	return provider.Chunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// recorder logs frames, the end marker and finalization in one sequence.
type recorder struct {
	log      []string
	frames   []Frame
	failAt   int
	finalize Final
	written  int
}

func (r *recorder) WriteFrame(f Frame) error {
	r.written++
	if r.failAt > 0 && r.written >= r.failAt {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, f)
	switch {
	case f.Error != nil:
		r.log = append(r.log, "error:"+f.Error.Type)
	case f.DeltaContent != "":
		r.log = append(r.log, "delta:"+f.DeltaContent)
	case f.FinishReason != "":
		r.log = append(r.log, "finish:"+f.FinishReason)
	default:
		r.log = append(r.log, "usage")
	}
	return nil
}

func (r *recorder) WriteDone() error {
	r.log = append(r.log, "done")
	return nil
}

func (r *recorder) finalizer() FinalizeFunc {
	return func(_ context.Context, f Final) error {
		r.finalize = f
		r.log = append(r.log, "finalize")
		return nil
	}
}

func TestRunForwardsInOrderAndRecordsBeforeDone(t *testing.T) {
	st := &fakeStream{chunks: []provider.Chunk{
		{Delta: "Hel"},
		{Delta: "lo"},
		{FinishReason: "stop"},
		{Usage: &models.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}}
	rec := &recorder{}

	final, err := New(2, nil).Run(context.Background(), st, rec, rec.finalizer())
	require.NoError(t, err)

	assert.Equal(t, []string{"delta:Hel", "delta:lo", "finish:stop", "usage", "finalize", "done"}, rec.log)
	assert.Equal(t, "Hello", final.Content)
	assert.Equal(t, "stop", final.FinishReason)
	assert.NoError(t, final.Err)
	in, out := final.Tokens()
	assert.Equal(t, int64(5), in)
	assert.Equal(t, int64(2), out)
	assert.True(t, st.closed)
}

func TestRunInterruptedMidStream(t *testing.T) {
	var chunks []provider.Chunk
	for i := 0; i < 4; i++ {
		chunks = append(chunks, provider.Chunk{Delta: fmt.Sprintf("w%d ", i)})
	}
	st := &fakeStream{
		chunks:  chunks,
		failErr: &provider.Error{Provider: "openai", Kind: provider.KindNetwork, Message: "connection reset"},
	}
	rec := &recorder{}

	final, err := New(1, nil).Run(context.Background(), st, rec, rec.finalizer())
	require.NoError(t, err)

	assert.Equal(t, []string{"delta:w0 ", "delta:w1 ", "delta:w2 ", "delta:w3 ", "error:network_error", "finalize", "done"}, rec.log)
	require.Error(t, rec.finalize.Err)
	assert.Equal(t, "network_error", rec.finalize.ErrorType)
	assert.Equal(t, "w0 w1 w2 w3 ", rec.finalize.Content)

	in, out := final.Tokens()
	assert.Equal(t, int64(0), in)
	assert.Equal(t, int64(4), out, "one output token per content chunk without usage")
}

func TestRunClientDisconnect(t *testing.T) {
	var chunks []provider.Chunk
	for i := 0; i < 50; i++ {
		chunks = append(chunks, provider.Chunk{Delta: "x"})
	}
	st := &fakeStream{chunks: chunks}
	rec := &recorder{failAt: 3}

	final, err := New(4, nil).Run(context.Background(), st, rec, rec.finalizer())
	require.Error(t, err)

	assert.Equal(t, []string{"delta:x", "delta:x", "finalize"}, rec.log, "no end marker after a failed write")
	assert.Equal(t, ErrorTypeClientDisconnected, final.ErrorType)
	assert.Equal(t, ErrorTypeClientDisconnected, rec.finalize.ErrorType)
	assert.True(t, st.closed)
}

func TestRunFinalizeFailure(t *testing.T) {
	st := &fakeStream{chunks: []provider.Chunk{{Delta: "ok"}}}
	rec := &recorder{}
	boom := errors.New("db down")

	_, err := New(1, nil).Run(context.Background(), st, rec, func(context.Context, Final) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"delta:ok", "error:internal_error", "done"}, rec.log)
}
