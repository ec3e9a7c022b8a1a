// Package assessor provides the client for the external scoring collaborator:
// a language model (or a human gateway) that judges one work item against one
// criterion prompt and returns a bounded numeric score with a rationale.
// The engine treats this boundary as a pure scoring oracle; all
// natural-language reasoning happens on the far side of it.
package assessor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// maxResponseSize limits the assessor response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxFormatRetries is the total number of calls attempted when the response
// isn't valid scoring JSON. On each retry the parse error is fed back to the
// model as a correction prompt so it can fix the output format.
const maxFormatRetries = 3

// ScoreRequest carries one scoring question to the assessor.
type ScoreRequest struct {
	// WorkItemPayload is the work item's current descriptive content.
	WorkItemPayload string

	// CriterionPrompt is the question the assessor scores against.
	CriterionPrompt string
}

// ScoreResult is the assessor's judgment.
type ScoreResult struct {
	// Score is the numeric judgment. The wire contract is [0,100]; callers
	// clamp out-of-range values.
	Score float64 `json:"score"`

	// Rationale explains the score.
	Rationale string `json:"rationale"`
}

// Assessor scores a work item against a single criterion.
type Assessor interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

// Func adapts a plain function to the Assessor interface. Useful for tests
// and for human-review gateways.
type Func func(ctx context.Context, req ScoreRequest) (*ScoreResult, error)

// Score implements Assessor.
func (f Func) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	return f(ctx, req)
}

// Endpoint describes one assessor backend.
type Endpoint struct {
	// Provider is the wire format ("openai-compat", "openai", "anthropic").
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL (empty uses the provider default).
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `yaml:"model" json:"model"`

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Client calls assessor endpoints with retry and fallback.
// Endpoints are tried in order; within one endpoint, transient failures are
// retried with exponential backoff and jitter.
type Client struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	temperature *float64
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithTemperature sets an explicit sampling temperature. nil uses the
// endpoint default; scoring normally wants a low value for stability.
func WithTemperature(temp float64) ClientOption {
	return func(client *Client) {
		client.temperature = &temp
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates an assessor client over the given endpoint chain.
func NewClient(endpoints []Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:   endpoints,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for model inference
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Score asks the assessor to judge the work item against one criterion.
// Endpoints are tried in order; the first parseable result wins. Malformed
// output triggers a bounded correction loop before counting as a failure.
func (c *Client) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	if req.CriterionPrompt == "" {
		return nil, NewFatalError(fmt.Errorf("criterion prompt is required"))
	}
	if len(c.endpoints) == 0 {
		return nil, NewFatalError(fmt.Errorf("no assessor endpoints configured"))
	}

	messages := []Message{
		{Role: "system", Content: SystemPrompt()},
		{Role: "user", Content: UserPrompt(req)},
	}

	var lastErr error
	for _, ep := range c.endpoints {
		result, err := c.scoreEndpoint(ctx, ep, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsFatal(err) {
			c.logger.Warn("Fatal assessor error, not trying fallbacks", "error", err)
			return nil, err
		}

		c.logger.Warn("Assessor endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)
	}

	return nil, fmt.Errorf("all assessor endpoints failed: %w", lastErr)
}

// Complete runs a free-form completion without the scoring contract.
// Used for deliverable content generation, where any text is acceptable.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if len(c.endpoints) == 0 {
		return nil, NewFatalError(fmt.Errorf("no assessor endpoints configured"))
	}

	var lastErr error
	for _, ep := range c.endpoints {
		completion, err := c.completeWithRetry(ctx, ep, messages)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		c.logger.Warn("Completion endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)
	}

	return nil, fmt.Errorf("all assessor endpoints failed: %w", lastErr)
}

// scoreEndpoint runs the format-correction loop against one endpoint.
func (c *Client) scoreEndpoint(ctx context.Context, ep Endpoint, messages []Message) (*ScoreResult, error) {
	convo := messages
	var lastErr error

	for formatAttempt := 1; formatAttempt <= maxFormatRetries; formatAttempt++ {
		completion, err := c.completeWithRetry(ctx, ep, convo)
		if err != nil {
			return nil, err
		}

		result, parseErr := parseScore(completion.Content)
		if parseErr == nil {
			return result, nil
		}
		lastErr = parseErr

		c.logger.Debug("Assessor response unparseable, requesting correction",
			"attempt", formatAttempt,
			"model", ep.Model,
			"error", parseErr)

		// Feed the parse error back so the model can fix its output format.
		convo = append(convo,
			Message{Role: "assistant", Content: completion.Content},
			Message{Role: "user", Content: CorrectionPrompt(parseErr)},
		)
	}

	return nil, NewTransientError(fmt.Errorf("assessor output unparseable after %d attempts: %w", maxFormatRetries, lastErr))
}

// parseScore extracts the {score, rationale} object from raw model output.
func parseScore(content string) (*ScoreResult, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var result ScoreResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse score JSON: %w", err)
	}
	return &result, nil
}

// completeWithRetry attempts one completion with retry on transient errors.
func (c *Client) completeWithRetry(ctx context.Context, ep Endpoint, messages []Message) (*Completion, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		completion, err := c.doRequest(ctx, ep, messages)
		if err == nil {
			return completion, nil
		}

		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Assessor request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, NewTransientError(ctx.Err())
			case <-time.After(backoff):
				// Continue to retry
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple scorers retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the assessor endpoint.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, messages []Message) (*Completion, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)

	body, err := provider.BuildRequestBody(ep.Model, messages, c.temperature, ep.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending assessor request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("assessor API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
