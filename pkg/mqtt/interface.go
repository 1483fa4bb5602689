package mqtt

import (
	"context"
)

// Transport defines the broker operations consumed by the engine components.
// This interface enables easier testing through fakes and dependency injection.
type Transport interface {
	// Publish sends a payload at the given QoS, waiting at most the token bound.
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error

	// Subscribe registers a handler for a topic filter. The subscription is
	// tracked and restored automatically after reconnects.
	Subscribe(topic string, qos byte, handler MessageHandler) error

	// Unsubscribe removes a topic subscription, waiting at most the token bound.
	Unsubscribe(topic string) error

	// Subscriptions returns a snapshot of the currently tracked topic filters.
	Subscriptions() []string

	// IsConnected reports whether the client holds a live connection.
	IsConnected() bool
}

// Ensure Client implements Transport.
var _ Transport = (*Client)(nil)
