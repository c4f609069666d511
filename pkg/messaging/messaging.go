// Package messaging provides topic based publish/subscribe used to ship
// consistency events between nodes and off-box.
package messaging

import (
	"context"
)

// Message is a payload published on a topic.
type Message struct {
	Topic  string `json:"topic"`
	Data   []byte `json:"data"`
	Sender string `json:"sender,omitempty"`
}

// Publisher publishes payloads to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Close() error
}

// Broker is a Publisher that also delivers messages to local subscribers.
type Broker interface {
	Publisher

	// Subscribe streams messages published on topic after the call until ctx is
	// done, the topic is unsubscribed or the broker is closed.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	// Unsubscribe ends every stream on topic.
	Unsubscribe(topic string) error
	// Topics lists the topics with active subscriptions, sorted.
	Topics() []string
}
