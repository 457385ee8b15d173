// LLM API client for the rewriting stages.
//
// Complete is the single entry point for calling any supported LLM provider
// (Anthropic, OpenAI, Gemini, Bedrock) for a full response; Stream opens an
// incremental token stream. Both apply the same timeout and retry policy.
//
// ADDING A NEW PROVIDER:
//  1. Add request/response types to providers.go
//  2. Add cases to DetectProvider(), setAuthHeaders(), buildRequestBody(), parseResponse()
//  3. Add a delta path to extractStreamDelta() in stream.go
//  4. Add unit tests in gateway_test.go
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout for LLM API calls.
	DefaultTimeout = 60 * time.Second

	// DefaultBackoff is the base delay for the first retry.
	DefaultBackoff = 500 * time.Millisecond

	// maxBackoff caps the exponential backoff delay.
	maxBackoff = 15 * time.Second

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error body in error messages to avoid log bloat.
	maxErrorBodyLen = 500

	// anthropicVersion is the Anthropic API version header value.
	anthropicVersion = "2023-06-01"
)

// Error taxonomy. Callers distinguish these with errors.Is: transient
// upstream failures that exhausted their retry budget surface as
// ErrModelUnavailable; auth/policy/malformed-request failures surface
// immediately as ErrModelRejected and must not be retried by callers.
var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrModelRejected    = errors.New("model rejected request")
)

// CallParams contains parameters for one model call.
type CallParams struct {
	// Provider overrides auto-detection. One of: "anthropic", "openai",
	// "gemini", "bedrock". If empty, provider is detected from the Endpoint.
	Provider string

	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Timeout      time.Duration

	// MaxAttempts is the total invocation budget for transient failures
	// (1 means no retries). Backoff doubles per attempt, capped.
	MaxAttempts int
	Backoff     time.Duration
}

// validate checks that required fields are present and sets defaults.
func (p *CallParams) validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	// Bedrock uses SigV4 signing via the transport, not an API key.
	if p.APIKey == "" && p.Provider != "bedrock" {
		return fmt.Errorf("api key required")
	}
	if p.Model == "" {
		return fmt.Errorf("model required")
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	return nil
}

// CallResult contains the response from a model call.
type CallResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Provider     string
	Attempts     int
}

// Client calls LLM providers with retry and timeout policy. The zero value
// is not usable; create one with NewClient.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a gateway client. A nil httpClient uses a default
// client with per-call context timeouts.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{} // timeout via context, not client
	}
	return &Client{httpClient: httpClient}
}

// Complete calls an LLM provider and collects the full response.
//
// Transient failures (timeout, 429, 5xx) are retried with bounded
// exponential backoff up to params.MaxAttempts, then wrapped in
// ErrModelUnavailable. Non-retryable upstream failures wrap
// ErrModelRejected and are returned on the first occurrence.
func (c *Client) Complete(ctx context.Context, params CallParams) (*CallResult, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid call params: %w", err)
	}

	provider := params.Provider
	if provider == "" {
		provider = DetectProvider(params.Endpoint)
	}

	body, err := buildRequestBody(provider, params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", provider, err)
	}

	var lastErr error
	for attempt := 1; attempt <= params.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, params.Backoff, attempt-1); err != nil {
				return nil, err
			}
			log.Debug().Str("provider", provider).Int("attempt", attempt).Msg("Retrying model call")
		}

		respBody, err := c.doOnce(ctx, provider, params, body)
		if err == nil {
			result, perr := parseResponse(provider, respBody)
			if perr != nil {
				return nil, perr
			}
			result.Attempts = attempt
			return result, nil
		}

		if errors.Is(err, ErrModelRejected) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts exhausted: %v", ErrModelUnavailable, params.MaxAttempts, lastErr)
}

// doOnce performs a single HTTP round trip and classifies failures.
func (c *Client) doOnce(ctx context.Context, provider string, params CallParams, body []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, params.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelRejected, err)
	}

	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req, provider, params.APIKey)

	client, err := c.clientFor(provider)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		// Cancellation of the parent context is not a model failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(provider, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// clientFor returns the HTTP client for a provider. Bedrock gets a SigV4
// signing transport; everything else shares the default client.
func (c *Client) clientFor(provider string) (*http.Client, error) {
	if provider != "bedrock" {
		return c.httpClient, nil
	}

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	transport, err := newBedrockSigningTransport(region, c.httpClient.Transport)
	if err != nil {
		return nil, fmt.Errorf("%w: bedrock signing transport: %v", ErrModelRejected, err)
	}
	return &http.Client{Transport: transport}, nil
}

// classifyStatus maps an HTTP error status to the gateway error taxonomy.
func classifyStatus(provider string, status int, body []byte) error {
	errBody := string(body)
	if len(errBody) > maxErrorBodyLen {
		errBody = errBody[:maxErrorBodyLen] + "... (truncated)"
	}

	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return fmt.Errorf("%s API returned status %d: %s", provider, status, errBody)
	default:
		return fmt.Errorf("%w: %s API returned status %d: %s", ErrModelRejected, provider, status, errBody)
	}
}

// sleepBackoff waits for the exponential backoff delay of the given retry,
// honoring context cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, retry int) error {
	delay := base << (retry - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
