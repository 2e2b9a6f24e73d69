// Package provider talks to upstream LLM providers and executes a call
// across an ordered list of fallback candidates.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/models"
)

// Request is a provider-neutral chat request.
type Request struct {
	Model        string
	Messages     []models.ChatMessage
	Temperature  *float64
	MaxTokens    *int
	Organization string
}

// Response is a completed, non-streaming answer.
type Response struct {
	Model        string
	Content      string
	FinishReason string
	Usage        models.Usage
}

// Chunk is one streamed increment. Any field may be empty; Usage is set
// when the provider reports token counts.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *models.Usage
}

// Client is one upstream provider.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields chunks until io.EOF, which marks a clean end of the
// upstream response. Any other error is an interruption.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Registry holds the configured provider clients by name.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates an empty Registry.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// FromConfig builds a client for every configured provider.
func FromConfig(providers []config.ProviderConfig, creds Credentials, httpClient *http.Client) (*Registry, error) {
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport}
	}
	r := NewRegistry()
	for _, p := range providers {
		switch p.Type {
		case "openai", "":
			r.Register(NewOpenAI(p.Name, p.URL, creds, httpClient))
		case "anthropic":
			r.Register(NewAnthropic(p.Name, p.URL, creds, httpClient))
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	return r, nil
}

// Register adds or replaces a client.
func (r *Registry) Register(c Client) {
	r.clients[c.Name()] = c
}

// Client returns the named client.
func (r *Registry) Client(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ErrNoCredentials is returned when no API key is configured for a provider.
var ErrNoCredentials = errors.New("no credentials configured")

// Credentials resolves the API key for an organization's use of a provider.
type Credentials interface {
	APIKey(ctx context.Context, organization, provider string) (string, error)
}

// StaticCredentials serves keys from the provider configuration.
type StaticCredentials struct {
	providers map[string]config.ProviderConfig
}

// NewStaticCredentials indexes the configured providers.
func NewStaticCredentials(providers []config.ProviderConfig) *StaticCredentials {
	m := make(map[string]config.ProviderConfig, len(providers))
	for _, p := range providers {
		m[p.Name] = p
	}
	return &StaticCredentials{providers: m}
}

// APIKey prefers an organization-specific key and falls back to the
// provider's shared key.
func (s *StaticCredentials) APIKey(_ context.Context, organization, provider string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: unknown provider %q", ErrNoCredentials, provider)
	}
	if key := p.Credentials[organization]; organization != "" && key != "" {
		return key, nil
	}
	if p.APIKey == "" {
		return "", fmt.Errorf("%w: provider %q", ErrNoCredentials, provider)
	}
	return p.APIKey, nil
}
