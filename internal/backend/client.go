package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/robertguss/serialforge/internal/config"
)

const (
	defaultOpenAIURL    = "https://api.openai.com/v1"
	defaultAnthropicURL = "https://api.anthropic.com/v1"
	anthropicVersion    = "2023-06-01"

	jsonSystemPrompt = "Respond with a single valid JSON object and nothing else: no markdown fences, no commentary."
)

// StatusError is a non-2xx reply from the provider
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// HTTPClient calls an OpenAI- or Anthropic-compatible chat endpoint
type HTTPClient struct {
	apiKey     string
	provider   string
	baseURL    string
	model      string
	maxTokens  int
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ Backend = (*HTTPClient)(nil)

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithProvider selects the request dialect (openai or anthropic)
func WithProvider(provider string) Option {
	return func(c *HTTPClient) {
		c.provider = provider
	}
}

// WithBaseURL overrides the provider's default endpoint
func WithBaseURL(baseURL string) Option {
	return func(c *HTTPClient) {
		c.baseURL = baseURL
	}
}

// WithModel sets the model name
func WithModel(model string) Option {
	return func(c *HTTPClient) {
		c.model = model
	}
}

// WithMaxTokens sets the default completion limit
func WithMaxTokens(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithRetry sets how many times a retryable failure is retried
func WithRetry(maxRetries int) Option {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
	}
}

// WithBackoff sets the base delay between retries. Attempt n waits n*base.
func WithBackoff(base time.Duration) Option {
	return func(c *HTTPClient) {
		c.backoff = base
	}
}

// WithTimeout sets the per-request HTTP timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout, Transport: c.httpClient.Transport}
		}
	}
}

// WithRateLimit caps request throughput
func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(c *HTTPClient) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger.With("component", "backend")
		}
	}
}

// NewHTTPClient creates a client. Without options it speaks the OpenAI
// dialect at 60 requests per minute.
func NewHTTPClient(apiKey string, opts ...Option) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c := &HTTPClient{
		apiKey:     apiKey,
		provider:   config.ProviderOpenAI,
		model:      "gpt-4o-mini",
		maxTokens:  4096,
		maxRetries: config.DefaultBackendRetries,
		backoff:    time.Second,
		httpClient: &http.Client{Timeout: config.DefaultBackendTimeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		logger:     slog.Default().With("component", "backend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultOpenAIURL
		if c.provider == config.ProviderAnthropic {
			c.baseURL = defaultAnthropicURL
		}
	}

	c.logger.Debug("backend client initialized",
		"provider", c.provider,
		"base_url", c.baseURL,
		"model", c.model,
		"max_retries", c.maxRetries)
	return c
}

// Generate sends req, retrying rate-limit, server and transport failures
func (c *HTTPClient) Generate(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.NewString()
	logger := c.logger.With("request_id", requestID, "stage", string(req.Stage))
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.backoff
			logger.Debug("retry backoff", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// every attempt is a request against the provider's quota
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := c.do(ctx, req)
		if err == nil {
			logger.Info("backend request completed",
				"attempt", attempt,
				"prompt_tokens", resp.PromptTokens,
				"completion_tokens", resp.CompletionTokens,
				"duration_ms", time.Since(start).Milliseconds())
			return resp, nil
		}
		lastErr = err

		if !isRetryable(ctx, err) {
			logger.Error("backend request failed", "attempt", attempt, "error", err)
			return nil, err
		}
		logger.Warn("backend request failed, will retry", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var parse *parseError
	return !errors.As(err, &parse)
}

type parseError struct{ err error }

func (e *parseError) Error() string { return "parsing response: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func (c *HTTPClient) do(ctx context.Context, req Request) (*Response, error) {
	if c.provider == config.ProviderAnthropic {
		return c.doAnthropic(ctx, req)
	}
	return c.doOpenAI(ctx, req)
}

func (c *HTTPClient) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func (c *HTTPClient) tokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.maxTokens
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *HTTPClient) doOpenAI(ctx context.Context, req Request) (*Response, error) {
	var messages []chatMessage
	system := req.System
	if req.JSON {
		system = joinSystem(system, jsonSystemPrompt)
	}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := map[string]any{
		"model":       c.modelFor(req),
		"messages":    messages,
		"max_tokens":  c.tokens(req),
		"temperature": req.Temperature,
	}
	if req.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	raw, err := c.post(ctx, "/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &parseError{err}
	}
	if len(out.Choices) == 0 {
		return nil, &parseError{errors.New("no choices in response")}
	}
	return &Response{
		Content:          out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

func (c *HTTPClient) doAnthropic(ctx context.Context, req Request) (*Response, error) {
	system := req.System
	if req.JSON {
		system = joinSystem(system, jsonSystemPrompt)
	}
	body := map[string]any{
		"model":       c.modelFor(req),
		"max_tokens":  c.tokens(req),
		"temperature": req.Temperature,
		"messages":    []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if system != "" {
		body["system"] = system
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	raw, err := c.post(ctx, "/messages", body, headers)
	if err != nil {
		return nil, err
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &parseError{err}
	}
	if len(out.Content) == 0 {
		return nil, &parseError{errors.New("no content in response")}
	}
	return &Response{
		Content:          out.Content[0].Text,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, headers map[string]string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return raw, nil
}

func joinSystem(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
