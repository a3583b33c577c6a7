// Package provider translates between the unified chat format and specific
// LLM provider APIs, and classifies provider failures for retry decisions.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/example/aigate/internal/config"
)

// Provider translates between the unified chat format and a specific LLM
// provider wire format.
type Provider interface {
	Name() string
	BuildRequest(ctx context.Context, req *ChatRequest) (*http.Request, error)
	ParseResponse(body []byte, statusCode int) (*ChatResponse, error)
}

// ChatRequest is the unified chat completion request (OpenAI-compatible).
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      *bool     `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        string    `json:"user,omitempty"`

	// Header carries client headers selected for forwarding upstream.
	// It is not part of the wire body or the cache key.
	Header http.Header `json:"-"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsStreaming returns true if the request has streaming enabled.
func (r *ChatRequest) IsStreaming() bool {
	return r.Stream != nil && *r.Stream
}

// AllText returns concatenated content from all messages.
func (r *ChatRequest) AllText() string {
	var total int
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	buf := make([]byte, 0, total)
	for _, m := range r.Messages {
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// CacheKey builds a deterministic cache key covering everything that
// affects the completion output.
func (r *ChatRequest) CacheKey() string {
	var b strings.Builder
	b.WriteString(r.Model)
	b.WriteByte('\n')
	for _, m := range r.Messages {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	if r.MaxTokens > 0 {
		fmt.Fprintf(&b, "max:%d\n", r.MaxTokens)
	}
	if r.Temperature != nil {
		fmt.Fprintf(&b, "temp:%g\n", *r.Temperature)
	}
	if r.TopP != nil {
		fmt.Fprintf(&b, "top_p:%g\n", *r.TopP)
	}
	for _, s := range r.Stop {
		fmt.Fprintf(&b, "stop:%s\n", s)
	}
	return b.String()
}

// --- Provider registry ---

var providers = map[string]func(cfg config.ProviderConfig) (Provider, error){
	"openai":    newOpenAI,
	"anthropic": newAnthropic,
	"gemini":    newGemini,
}

// New creates a provider from config.
func New(cfg config.ProviderConfig) (Provider, error) {
	fn, ok := providers[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
	return fn(cfg)
}
