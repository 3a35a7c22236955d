// Package litellm provides an HTTP client for the LiteLLM Proxy and the
// oracle reasoner built on its OpenAI-compatible chat completions API.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/Chimera/internal/resilience"
)

// Model represents a configured model in LiteLLM.
type Model struct {
	ModelName string         `json:"model_name"`
	Provider  string         `json:"litellm_provider,omitempty"`
	ModelInfo map[string]any `json:"model_info,omitempty"`
}

// APIError is a non-2xx response from the proxy.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("litellm API error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth retrying: transport failures,
// rate limiting and server errors. Client errors and an open breaker are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// countsAgainstBreaker excludes client errors: a bad request says nothing
// about the health of the proxy.
func countsAgainstBreaker(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// Client talks to the LiteLLM Proxy.
type Client struct {
	baseURL    string
	masterKey  string
	keySource  func() string
	httpClient *http.Client
	breaker    *resilience.Breaker
	limiter    *resilience.Limiter
}

// NewClient creates a new LiteLLM client. timeout bounds each HTTP call.
func NewClient(baseURL, masterKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetKeySource makes every request read the master key from fn, so a rotated
// key takes effect without a restart. An empty key falls back to the one
// passed to NewClient.
func (c *Client) SetKeySource(fn func() string) { c.keySource = fn }

// SetLimiter caps concurrent requests to the proxy.
func (c *Client) SetLimiter(l *resilience.Limiter) { c.limiter = l }

func (c *Client) authKey() string {
	if c.keySource != nil {
		if k := c.keySource(); k != "" {
			return k
		}
	}
	return c.masterKey
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
// Only transport failures and 5xx responses count as breaker failures.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b.CountIf(countsAgainstBreaker)
}

// ListModels returns all configured models from LiteLLM.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/model/info", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var result struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return result.Data, nil
}

// Health checks if LiteLLM is healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

// ChatMessage is one message of a chat completion exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains the completion output.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Usage reports token consumption of a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the subset of the completion response the kernel reads.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Content returns the first choice's message content.
func (r *ChatResponse) Content() (string, error) {
	if len(r.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}
	return r.Choices[0].Message.Content, nil
}

// ChatCompletion sends a chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	var resp ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal chat response: %w", err)
	}
	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if key := c.authKey(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		}

		result = data
		return nil
	}

	guarded := call
	if c.breaker != nil {
		guarded = func() error { return c.breaker.Execute(call) }
	}
	if err := c.limiter.Do(ctx, guarded); err != nil {
		return nil, err
	}
	return result, nil
}
