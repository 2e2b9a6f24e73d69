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
	"time"

	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/models"
)

func testCreds(name string) Credentials {
	return NewStaticCredentials([]config.ProviderConfig{{
		Name:        name,
		APIKey:      "sk-shared",
		Credentials: map[string]string{"org-1": "sk-org-1"},
	}})
}

func userMessage(text string) []models.ChatMessage {
	return []models.ChatMessage{{Role: "user", Content: text}}
}

func TestOpenAIComplete(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-org-1" {
			t.Errorf("expected organization key, got %q", r.Header.Get("Authorization"))
		}
		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-4o-mini" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Model: "gpt-4o-mini-2024-07-18",
			Choices: []models.Choice{
				{Message: models.ChatMessage{Role: "assistant", Content: "Hello!"}, FinishReason: "stop"},
			},
			Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer upstream.Close()

	c := NewOpenAI("openai", upstream.URL, testCreds("openai"), upstream.Client())
	resp, err := c.Complete(context.Background(), Request{
		Model:        "gpt-4o-mini",
		Messages:     userMessage("hi"),
		Organization: "org-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello!" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusServiceUnavailable, KindServer, true},
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusBadRequest, KindInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"type":"x","message":"upstream says no"}}`)
			}))
			defer upstream.Close()

			c := NewOpenAI("openai", upstream.URL, testCreds("openai"), upstream.Client())
			_, err := c.Complete(context.Background(), Request{Model: "gpt-4o", Messages: userMessage("hi")})

			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if pe.Kind != tt.kind || pe.StatusCode != tt.status || pe.Message != "upstream says no" {
				t.Errorf("unexpected error: %+v", pe)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("expected retryable=%v", tt.retryable)
			}
		})
	}
}

func TestOpenAITimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewOpenAI("openai", upstream.URL, testCreds("openai"), upstream.Client())
	_, err := c.Complete(ctx, Request{Model: "gpt-4o", Messages: userMessage("hi")})
	if Kind(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestOpenAIStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected streaming request with usage, got %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	c := NewOpenAI("openai", upstream.URL, testCreds("openai"), upstream.Client())
	st, err := c.Stream(context.Background(), Request{Model: "gpt-4o", Messages: userMessage("hi")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var (
		text   string
		finish string
		usage  *models.Usage
	)
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		text += chunk.Delta
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if text != "Hello" || finish != "stop" {
		t.Errorf("unexpected stream result %q / %q", text, finish)
	}
	if usage == nil || usage.TotalTokens != 9 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestOpenAIStreamInterrupted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}))
	defer upstream.Close()

	c := NewOpenAI("openai", upstream.URL, testCreds("openai"), upstream.Client())
	st, err := c.Stream(context.Background(), Request{Model: "gpt-4o", Messages: userMessage("hi")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	chunk, err := st.Recv()
	if err != nil || chunk.Delta != "partial" {
		t.Fatalf("unexpected first chunk %+v, %v", chunk, err)
	}
	_, err = st.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected interruption error, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}

func TestStaticCredentials(t *testing.T) {
	creds := testCreds("openai")
	ctx := context.Background()

	key, err := creds.APIKey(ctx, "org-1", "openai")
	if err != nil || key != "sk-org-1" {
		t.Errorf("expected organization key, got %q, %v", key, err)
	}
	key, err = creds.APIKey(ctx, "org-2", "openai")
	if err != nil || key != "sk-shared" {
		t.Errorf("expected shared key, got %q, %v", key, err)
	}
	if _, err := creds.APIKey(ctx, "org-1", "anthropic"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	providers := []config.ProviderConfig{
		{Name: "openai", URL: "http://openai.invalid", APIKey: "k", Type: "openai"},
		{Name: "anthropic", URL: "http://anthropic.invalid", APIKey: "k", Type: "anthropic"},
	}
	reg, err := FromConfig(providers, NewStaticCredentials(providers), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Errorf("unexpected providers: %v", names)
	}
	if c, ok := reg.Client("anthropic"); !ok || c.Name() != "anthropic" {
		t.Error("expected anthropic client")
	}

	_, err = FromConfig([]config.ProviderConfig{{Name: "x", Type: "bogus"}}, nil, nil)
	if err == nil {
		t.Error("expected error for unknown provider type")
	}
}
