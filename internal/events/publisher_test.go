package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	ns := startTestNATSServer(t)
	pub, err := NewPublisher(Config{URL: ns.ClientURL(), Prefix: "test.quantflow."})
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	return pub
}

func TestPublishDecisionRoundTrip(t *testing.T) {
	pub := newTestPublisher(t)
	agentID := uuid.New()

	received := make(chan *Event, 1)
	sub, err := pub.Subscribe(agentID.String(), TopicDecision, func(evt *Event) {
		received <- evt
	})
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck

	pub.PublishDecision(context.Background(), agentID, map[string]any{"executed": 2})
	require.NoError(t, pub.Flush())

	select {
	case evt := <-received:
		assert.Equal(t, agentID.String(), evt.AgentID)
		assert.Equal(t, TopicDecision, evt.Topic)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.EqualValues(t, 2, payload["executed"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestPublishAgentStatus(t *testing.T) {
	pub := newTestPublisher(t)
	agentID := uuid.New()

	received := make(chan *Event, 1)
	sub, err := pub.Subscribe(agentID.String(), TopicAgentStatus, func(evt *Event) {
		received <- evt
	})
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck

	pub.PublishAgentStatus(context.Background(), agentID, "error", "window tripped")
	require.NoError(t, pub.Flush())

	select {
	case evt := <-received:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.Equal(t, "error", payload["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var pub *Publisher
	assert.NotPanics(t, func() {
		pub.PublishDecision(context.Background(), uuid.New(), nil)
		pub.PublishPositionUpdate(context.Background(), uuid.New(), nil)
		require.NoError(t, pub.Flush())
		pub.Close()
	})
}
