package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/pario-ai/jobmeter/pkg/models"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic is a client for the Anthropic messages API.
type Anthropic struct {
	name    string
	baseURL string
	creds   Credentials
	http    *http.Client
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(name, baseURL string, creds Credentials, httpClient *http.Client) *Anthropic {
	return &Anthropic{name: name, baseURL: baseURL, creds: creds, http: httpClient}
}

func (c *Anthropic) Name() string { return c.name }

func (c *Anthropic) headers(ctx context.Context, req Request) (map[string]string, error) {
	key, err := c.creds.APIKey(ctx, req.Organization, c.name)
	if err != nil {
		return nil, &Error{Provider: c.name, Model: req.Model, Kind: KindAuth, Message: err.Error(), Err: err}
	}
	return map[string]string{"x-api-key": key, "anthropic-version": anthropicVersion}, nil
}

// request moves system messages into the top-level system prompt.
func (c *Anthropic) request(req Request, stream bool) models.AnthropicRequest {
	out := models.AnthropicRequest{
		Model:       req.Model,
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// Complete sends a non-streaming message request.
func (c *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	headers, err := c.headers(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, c.http, c.baseURL, "/v1/messages", headers, c.request(req, false))
	if err != nil {
		return nil, transportError(c.name, req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, responseError(c.name, req.Model, resp)
	}

	var out models.AnthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(c.name, req.Model, err)
	}
	r := &Response{Model: out.Model, FinishReason: stopReason(out.StopReason)}
	if r.Model == "" {
		r.Model = req.Model
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	r.Content = text.String()
	if out.Usage != nil {
		r.Usage = *out.Usage.ToUsage()
	}
	return r, nil
}

// Stream opens a streaming message request.
func (c *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	headers, err := c.headers(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, c.http, c.baseURL, "/v1/messages", headers, c.request(req, true))
	if err != nil {
		return nil, transportError(c.name, req.Model, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, responseError(c.name, req.Model, resp)
	}
	return &anthropicStream{sse: newSSEReader(resp.Body), provider: c.name, model: req.Model}, nil
}

// stopReason maps Anthropic stop reasons onto OpenAI finish reasons.
func stopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return r
	}
}

type anthropicStream struct {
	sse      *sseReader
	provider string
	model    string
	usage    models.Usage
	done     bool
}

func (s *anthropicStream) Recv() (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}
		data, err := s.sse.next()
		if errors.Is(err, io.EOF) {
			return Chunk{}, &Error{Provider: s.provider, Model: s.model, Kind: KindNetwork,
				Message: "stream ended before message_stop", Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return Chunk{}, transportError(s.provider, s.model, err)
		}

		var evt models.AnthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "message_start":
			var msg struct {
				Usage *models.AnthropicUsage `json:"usage,omitempty"`
			}
			if err := json.Unmarshal(evt.Message, &msg); err == nil && msg.Usage != nil {
				s.usage.PromptTokens = msg.Usage.InputTokens
				s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
			}
		case "content_block_delta":
			var delta struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(evt.Delta, &delta); err == nil && delta.Text != "" {
				return Chunk{Delta: delta.Text}, nil
			}
		case "message_delta":
			var delta struct {
				StopReason string `json:"stop_reason"`
			}
			_ = json.Unmarshal(evt.Delta, &delta)
			if evt.Usage != nil {
				s.usage.CompletionTokens = evt.Usage.OutputTokens
				s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
			}
			usage := s.usage
			return Chunk{FinishReason: stopReason(delta.StopReason), Usage: &usage}, nil
		case "message_stop":
			s.done = true
			return Chunk{}, io.EOF
		case "error":
			if evt.Error != nil {
				return Chunk{}, upstreamError(s.provider, s.model, evt.Error.Type, evt.Error.Message)
			}
			return Chunk{}, upstreamError(s.provider, s.model, "", "stream error")
		}
	}
}

func (s *anthropicStream) Close() error { return s.sse.Close() }
