package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GatewayClient talks to an OpenAI-compatible chat completions endpoint.
// All providers in the registry are reached through gateways speaking this
// protocol, so one client covers them.
type GatewayClient struct {
	provider    string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
}

// GatewayConfig configures a GatewayClient
type GatewayConfig struct {
	Provider    string
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// Requests per second towards the provider, 0 disables limiting
	RequestsPerSecond float64
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewGatewayClient creates a client for one provider endpoint
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-" + cfg.Provider,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("AI circuit breaker state change")
		},
	})

	return &GatewayClient{
		provider:    cfg.Provider,
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     limiter,
		breaker:     breaker,
	}
}

// Model returns the configured model identifier
func (c *GatewayClient) Model() string { return c.model }

// Generate implements Client
func (c *GatewayClient) Generate(ctx context.Context, systemPrompt, userPrompt string, jsonMode bool) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{Provider: c.provider, Err: err}
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, systemPrompt, userPrompt, jsonMode)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &ConnectionError{Provider: c.provider, Err: err}
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (c *GatewayClient) complete(ctx context.Context, systemPrompt, userPrompt string, jsonMode bool) (*Response, error) {
	request := chatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	if jsonMode {
		request.ResponseFormat = map[string]any{"type": "json_object"}
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, &InvalidRequestError{Provider: c.provider, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, &InvalidRequestError{Provider: c.provider, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug().
		Str("provider", c.provider).
		Str("model", c.model).
		Bool("json_mode", jsonMode).
		Msg("Sending AI request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Provider: c.provider, Err: err}
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Provider: c.provider, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, body)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &ClientError{Provider: c.provider, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("unparseable response: %v", err)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &ClientError{Provider: c.provider, StatusCode: resp.StatusCode,
			Message: "no choices in response"}
	}

	choice := chatResp.Choices[0]
	model := chatResp.Model
	if model == "" {
		model = c.model
	}

	log.Debug().
		Str("provider", c.provider).
		Str("model", model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("latency", latency).
		Msg("AI request completed")

	return &Response{
		Content:      choice.Message.Content,
		Model:        model,
		TokensUsed:   chatResp.Usage.TotalTokens,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		StopReason:   choice.FinishReason,
		LatencyMS:    latency.Milliseconds(),
	}, nil
}

func (c *GatewayClient) classifyStatus(resp *http.Response, body []byte) error {
	message := string(body)
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{Provider: c.provider, Message: message}
	case http.StatusTooManyRequests:
		return &RateLimitError{Provider: c.provider, RetryAfter: resp.Header.Get("Retry-After")}
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return &InvalidRequestError{Provider: c.provider, Message: message}
	default:
		return &ClientError{Provider: c.provider, StatusCode: resp.StatusCode, Message: message}
	}
}

// TestConnection implements Client
func (c *GatewayClient) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := c.complete(ctx, "You are a connectivity probe.", "Reply with OK.", false)
	return err
}

var _ Client = (*GatewayClient)(nil)
