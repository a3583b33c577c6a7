package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/example/aigate/internal/aierr"
	"github.com/example/aigate/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

type openaiProvider struct {
	apiKey  string
	baseURL string
	orgID   string
	model   string
}

func newOpenAI(cfg config.ProviderConfig) (Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &openaiProvider{
		apiKey:  cfg.APIKey,
		baseURL: base,
		orgID:   cfg.OrgID,
		model:   cfg.Model,
	}, nil
}

func (o *openaiProvider) Name() string { return "openai" }

func (o *openaiProvider) BuildRequest(ctx context.Context, req *ChatRequest) (*http.Request, error) {
	if req.Model == "" {
		req.Model = o.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.orgID != "" {
		httpReq.Header.Set("OpenAI-Organization", o.orgID)
	}
	return httpReq, nil
}

func (o *openaiProvider) ParseResponse(body []byte, statusCode int) (*ChatResponse, error) {
	if statusCode < 200 || statusCode >= 300 {
		return nil, aierr.FromStatus("openai", statusCode, string(body))
	}
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("openai: parse response: %w", err)
	}
	return &resp, nil
}
