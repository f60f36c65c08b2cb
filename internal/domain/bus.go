package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single process) or NATS (distributed intake).
// All methods require accountID for isolation between accounts.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, accountID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, accountID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, accountID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	AccountID string            `json:"accountId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `env:"MAGPIE_BUS_TYPE" envDefault:"channel"`

	// Channel settings
	ChannelBufferSize int `env:"MAGPIE_BUS_BUFFER" envDefault:"1000"`

	// NATS settings
	NATSUrl           string `env:"MAGPIE_NATS_URL"`
	NATSToken         string `env:"MAGPIE_NATS_TOKEN"`
	NATSMaxReconnects int    `env:"MAGPIE_NATS_MAX_RECONNECTS" envDefault:"10"`
	NATSReconnectWait int    `env:"MAGPIE_NATS_RECONNECT_WAIT" envDefault:"5"` // seconds
}

// Standard topic names for the reply pipeline.
const (
	TopicEventReceived  = "magpie.event.received"
	TopicQueueProcessed = "magpie.queue.processed"
	TopicQueueFailed    = "magpie.queue.failed"
	TopicRulesUpdated   = "magpie.rules.updated"
)
