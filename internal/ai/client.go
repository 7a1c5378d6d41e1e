package ai

import (
	"context"
	"fmt"
)

// Response is the normalized result of a model call
type Response struct {
	Content      string
	Model        string
	TokensUsed   int
	InputTokens  int
	OutputTokens int
	StopReason   string
	LatencyMS    int64
}

// Client is implemented by every model provider
type Client interface {
	// Generate runs a single system+user exchange. jsonMode asks the
	// provider for a JSON-only response where supported.
	Generate(ctx context.Context, systemPrompt, userPrompt string, jsonMode bool) (*Response, error)

	// TestConnection performs a minimal round trip to verify credentials
	TestConnection(ctx context.Context) error

	// Model returns the provider's model identifier
	Model() string
}

// AuthenticationError means the credentials were rejected. Not retryable.
type AuthenticationError struct {
	Provider string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Provider, e.Message)
}

// RateLimitError means the provider throttled the request
type RateLimitError struct {
	Provider   string
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Provider)
}

// ConnectionError wraps transport failures reaching the provider
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidRequestError means the provider rejected the request shape.
// Not retryable.
type InvalidRequestError struct {
	Provider string
	Message  string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request to %s: %s", e.Provider, e.Message)
}

// ClientError is the catch-all for provider failures that do not fit a
// narrower class
type ClientError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}
