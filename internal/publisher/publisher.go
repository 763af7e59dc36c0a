// Package publisher fans normalized notifications out to subscribers and
// mirrors them to external brokers.
package publisher

import "context"

// Broadcast is the topic that reaches every subscriber of every topic.
const Broadcast = "broadcast"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
