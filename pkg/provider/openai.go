package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pario-ai/jobmeter/pkg/models"
)

// OpenAI is a client for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	name    string
	baseURL string
	creds   Credentials
	http    *http.Client
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(name, baseURL string, creds Credentials, httpClient *http.Client) *OpenAI {
	return &OpenAI{name: name, baseURL: baseURL, creds: creds, http: httpClient}
}

func (c *OpenAI) Name() string { return c.name }

func (c *OpenAI) headers(ctx context.Context, req Request) (map[string]string, error) {
	key, err := c.creds.APIKey(ctx, req.Organization, c.name)
	if err != nil {
		return nil, &Error{Provider: c.name, Model: req.Model, Kind: KindAuth, Message: err.Error(), Err: err}
	}
	return map[string]string{"Authorization": "Bearer " + key}, nil
}

// Complete sends a non-streaming chat completion.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	headers, err := c.headers(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, c.http, c.baseURL, "/v1/chat/completions", headers, models.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, transportError(c.name, req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, responseError(c.name, req.Model, resp)
	}

	var out models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(c.name, req.Model, err)
	}
	r := &Response{Model: out.Model}
	if r.Model == "" {
		r.Model = req.Model
	}
	if len(out.Choices) > 0 {
		r.Content = out.Choices[0].Message.Content
		r.FinishReason = out.Choices[0].FinishReason
	}
	if out.Usage != nil {
		r.Usage = *out.Usage
	}
	return r, nil
}

// Stream opens a streaming chat completion. Usage is requested in a
// trailing chunk.
func (c *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	headers, err := c.headers(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, c.http, c.baseURL, "/v1/chat/completions", headers, models.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &models.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, transportError(c.name, req.Model, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, responseError(c.name, req.Model, resp)
	}
	return &openAIStream{sse: newSSEReader(resp.Body), provider: c.name, model: req.Model}, nil
}

type openAIStream struct {
	sse      *sseReader
	provider string
	model    string
	done     bool
}

func (s *openAIStream) Recv() (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}
		data, err := s.sse.next()
		if errors.Is(err, io.EOF) {
			return Chunk{}, &Error{Provider: s.provider, Model: s.model, Kind: KindNetwork,
				Message: "stream ended before [DONE]", Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return Chunk{}, transportError(s.provider, s.model, err)
		}
		if data == "[DONE]" {
			s.done = true
			return Chunk{}, io.EOF
		}

		var evt struct {
			models.ChatCompletionChunk
			Error *models.UpstreamError `json:"error,omitempty"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		if evt.Error != nil {
			return Chunk{}, upstreamError(s.provider, s.model, evt.Error.Type, evt.Error.Message)
		}

		chunk := Chunk{Usage: evt.Usage}
		if len(evt.Choices) > 0 {
			chunk.Delta = evt.Choices[0].Delta.Content
			if fr := evt.Choices[0].FinishReason; fr != nil {
				chunk.FinishReason = *fr
			}
		}
		if chunk.Delta == "" && chunk.FinishReason == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

func (s *openAIStream) Close() error { return s.sse.Close() }
