package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/example/aigate/internal/aierr"
	"github.com/example/aigate/internal/config"
)

const maxResponseBody = 10 * 1024 * 1024 // 10MB

// Client performs chat completions against a provider over HTTP. Errors
// crossing this boundary are classified into aierr variants so retry logic
// never probes raw status codes.
type Client struct {
	provider Provider
	client   *http.Client
	timeout  time.Duration

	totalRequests  atomic.Int64
	totalErrors    atomic.Int64
	totalTokensIn  atomic.Int64
	totalTokensOut atomic.Int64
}

// NewClient creates a provider client from config.
func NewClient(cfg config.ProviderConfig) (*Client, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		provider: p,
		client:   &http.Client{Timeout: 0}, // timeout handled per-request via context
		timeout:  timeout,
	}, nil
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider { return c.provider }

// Complete executes a chat completion. Non-2xx responses come back as
// classified *aierr.APIError; network errors are classified as server
// errors (transient) or timeouts.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	c.totalRequests.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.provider.BuildRequest(ctx, req)
	if err != nil {
		c.totalErrors.Add(1)
		return nil, err
	}
	for k, vs := range req.Header {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header[http.CanonicalHeaderKey(k)] = vs
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.totalErrors.Add(1)
		return nil, classifyNetworkError(c.provider.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.totalErrors.Add(1)
		return nil, aierr.FromStatus(c.provider.Name(), http.StatusBadGateway, "failed to read provider response: "+err.Error())
	}

	chatResp, err := c.provider.ParseResponse(body, resp.StatusCode)
	if err != nil {
		c.totalErrors.Add(1)
		return nil, err
	}

	c.totalTokensIn.Add(int64(chatResp.Usage.PromptTokens))
	c.totalTokensOut.Add(int64(chatResp.Usage.CompletionTokens))
	return chatResp, nil
}

// classifyNetworkError maps transport failures to the retry taxonomy.
// Timeouts and connection failures are transient and classified as server
// errors; a context cancellation from the caller passes through untouched.
func classifyNetworkError(providerName string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return aierr.FromStatus(providerName, http.StatusGatewayTimeout, err.Error())
	}
	return aierr.FromStatus(providerName, http.StatusBadGateway, err.Error())
}

func contextError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}

// ClientStats contains client statistics.
type ClientStats struct {
	Provider       string `json:"provider"`
	TotalRequests  int64  `json:"total_requests"`
	TotalErrors    int64  `json:"total_errors"`
	TotalTokensIn  int64  `json:"total_tokens_in"`
	TotalTokensOut int64  `json:"total_tokens_out"`
}

// Stats returns a point-in-time view of client activity.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Provider:       c.provider.Name(),
		TotalRequests:  c.totalRequests.Load(),
		TotalErrors:    c.totalErrors.Load(),
		TotalTokensIn:  c.totalTokensIn.Load(),
		TotalTokensOut: c.totalTokensOut.Load(),
	}
}
