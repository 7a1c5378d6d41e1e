package ai

import (
	"fmt"
	"strings"
	"sync"

	"github.com/quantflow/quantflow/internal/config"
)

// modelProviders maps model-id prefixes to provider identifiers. The
// registry is static; adding a provider means adding a row here, not a
// database migration.
var modelProviders = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "google"},
	{"deepseek-", "deepseek"},
	{"qwen", "qwen"},
	{"grok-", "xai"},
	{"llama", "meta"},
}

// ProviderFor resolves a model identifier to its provider id. Unknown
// models fall through to the gateway's default routing.
func ProviderFor(model string) string {
	m := strings.ToLower(model)
	for _, entry := range modelProviders {
		if strings.HasPrefix(m, entry.prefix) {
			return entry.provider
		}
	}
	return "gateway"
}

// Factory builds and caches one Client per model. All models are served
// through the configured OpenAI-compatible gateway endpoint, which routes
// by model id.
type Factory struct {
	cfg config.AIConfig

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a client factory backed by the gateway config
func NewFactory(cfg config.AIConfig) *Factory {
	return &Factory{
		cfg:     cfg,
		clients: make(map[string]Client),
	}
}

// ClientFor returns the cached client for a model, creating it on first use
func (f *Factory) ClientFor(model string) (Client, error) {
	if model == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[model]; ok {
		return c, nil
	}

	rps := float64(f.cfg.RequestsPerMinute) / 60.0
	c := NewGatewayClient(GatewayConfig{
		Provider:          ProviderFor(model),
		Endpoint:          f.cfg.Endpoint,
		APIKey:            f.cfg.APIKey,
		Model:             model,
		Temperature:       f.cfg.Temperature,
		MaxTokens:         f.cfg.MaxTokens,
		Timeout:           f.cfg.GetTimeout(),
		RequestsPerSecond: rps,
	})
	f.clients[model] = c
	return c, nil
}
