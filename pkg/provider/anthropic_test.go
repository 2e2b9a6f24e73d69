package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pario-ai/jobmeter/pkg/models"
)

func TestAnthropicComplete(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-shared" {
			t.Errorf("expected shared key, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header")
		}
		var req models.AnthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.System != "be brief" || len(req.Messages) != 1 || req.MaxTokens != anthropicMaxTokens {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(models.AnthropicResponse{
			Model:      "claude-haiku-4-5",
			Content:    []models.AnthropicContent{{Type: "text", Text: "Hi "}, {Type: "text", Text: "there"}},
			StopReason: "end_turn",
			Usage:      &models.AnthropicUsage{InputTokens: 12, OutputTokens: 3},
		})
	}))
	defer upstream.Close()

	c := NewAnthropic("anthropic", upstream.URL, testCreds("anthropic"), upstream.Client())
	resp, err := c.Complete(context.Background(), Request{
		Model: "claude-haiku-4-5",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hi there" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAnthropicStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-haiku-4-5\",\"usage\":{\"input_tokens\":20,\"output_tokens\":1}}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"max_tokens\"},\"usage\":{\"output_tokens\":4}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	c := NewAnthropic("anthropic", upstream.URL, testCreds("anthropic"), upstream.Client())
	st, err := c.Stream(context.Background(), Request{Model: "claude-haiku-4-5", Messages: userMessage("hi")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var chunks []Chunk
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Delta != "Hello" || chunks[1].Delta != " world" {
		t.Errorf("unexpected deltas: %+v", chunks)
	}
	last := chunks[2]
	if last.FinishReason != "length" || last.Usage == nil {
		t.Fatalf("unexpected final chunk: %+v", last)
	}
	if last.Usage.PromptTokens != 20 || last.Usage.CompletionTokens != 4 || last.Usage.TotalTokens != 24 {
		t.Errorf("unexpected usage: %+v", last.Usage)
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer upstream.Close()

	c := NewAnthropic("anthropic", upstream.URL, testCreds("anthropic"), upstream.Client())
	st, err := c.Stream(context.Background(), Request{Model: "claude-haiku-4-5", Messages: userMessage("hi")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	_, err = st.Recv()
	if Kind(err) != KindServer || !IsRetryable(err) {
		t.Errorf("expected retryable server error, got %v", err)
	}
}
