// Package events publishes runtime events over NATS for dashboards and
// downstream consumers. Publishing is best effort: a broker outage never
// fails a trading cycle.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/config"
)

// Subject suffixes under the prefix. Full pattern: quantflow.{agent_id}.{topic}
const (
	TopicDecision       = "decision"
	TopicPositionUpdate = "position_update"
	TopicAgentStatus    = "agent_status"
)

// Event is the envelope published on every subject
type Event struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   string          `json:"agent_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher fans runtime events out over NATS
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Config configures the publisher connection
type Config struct {
	URL    string
	Prefix string
}

// NewPublisher connects to NATS with infinite reconnects. A nil *Publisher
// is safe to call; every method becomes a no-op.
func NewPublisher(cfg Config) (*Publisher, error) {
	logger := config.NewLogger("events")

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("quantflow-worker"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "quantflow."
	}

	logger.Info().Str("nats_url", cfg.URL).Str("prefix", prefix).Msg("Event publisher initialized")
	return &Publisher{nc: nc, prefix: prefix, log: logger}, nil
}

// publish serializes and fires one event. Errors are logged, never returned
// to the trading path.
func (p *Publisher) publish(ctx context.Context, agentID, topic string, payload any) {
	if p == nil || p.nc == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}
	if !p.nc.IsConnected() {
		p.log.Debug().Str("topic", topic).Msg("NATS not connected, dropping event")
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("Failed to marshal event payload")
		return
	}
	evt := Event{
		ID:        uuid.New(),
		AgentID:   agentID,
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s%s.%s", p.prefix, agentID, topic)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}
	p.log.Debug().Str("subject", subject).Str("event_id", evt.ID.String()).Msg("Event published")
}

// PublishDecision implements engine.Publisher
func (p *Publisher) PublishDecision(ctx context.Context, agentID uuid.UUID, payload any) {
	p.publish(ctx, agentID.String(), TopicDecision, payload)
}

// PublishPositionUpdate implements engine.Publisher
func (p *Publisher) PublishPositionUpdate(ctx context.Context, agentID uuid.UUID, payload any) {
	p.publish(ctx, agentID.String(), TopicPositionUpdate, payload)
}

// PublishAgentStatus announces lifecycle transitions (started, stopped, error)
func (p *Publisher) PublishAgentStatus(ctx context.Context, agentID uuid.UUID, status string, detail any) {
	p.publish(ctx, agentID.String(), TopicAgentStatus, map[string]any{
		"status": status,
		"detail": detail,
	})
}

// Subscribe registers a handler for one agent's topic. Used by tests and
// local tooling; the worker itself only publishes.
func (p *Publisher) Subscribe(agentID, topic string, handler func(*Event)) (*nats.Subscription, error) {
	if p == nil || p.nc == nil {
		return nil, fmt.Errorf("publisher not connected")
	}
	subject := fmt.Sprintf("%s%s.%s", p.prefix, agentID, topic)
	return p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			p.log.Warn().Err(err).Msg("Failed to unmarshal event")
			return
		}
		handler(&evt)
	})
}

// Flush waits for buffered messages to reach the server
func (p *Publisher) Flush() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Flush()
}

// Close drains the connection
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
	p.log.Info().Msg("Event publisher closed")
}
