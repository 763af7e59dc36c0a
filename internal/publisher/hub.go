package publisher

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrSubscriberGone is returned by a Subscriber that can no longer receive.
// The hub detaches it from every topic.
var ErrSubscriberGone = errors.New("subscriber gone")

// Subscriber receives payloads for the topics it is attached to. Deliver
// must not block.
type Subscriber interface {
	Deliver(payload []byte) error
}

// Hub is an in-memory topic fan-out. Delivery is best effort: a failing
// subscriber is skipped, never retried, and joining a topic does not replay
// earlier messages.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[Subscriber]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[Subscriber]struct{}),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe attaches s to topic. Topics are created on first use.
func (h *Hub) Subscribe(topic string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[Subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
}

// Unsubscribe detaches s from topic.
func (h *Hub) Unsubscribe(topic string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[topic]; ok {
		delete(subs, s)
	}
}

// UnsubscribeAll detaches s from every topic.
func (h *Hub) UnsubscribeAll(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.topics {
		delete(subs, s)
	}
}

// SubscriberCount returns the number of subscribers attached to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish delivers payload to the current subscribers of topic, or to every
// subscriber for Broadcast. It never fails.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	for _, s := range h.targets(topic) {
		err := s.Deliver(payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrSubscriberGone):
			h.UnsubscribeAll(s)
		default:
			h.logger.Debug().Err(err).Str("topic", topic).Msg("delivery skipped")
		}
	}
	return nil
}

// Close is a no-op; subscribers own their own lifetimes.
func (h *Hub) Close() error { return nil }

func (h *Hub) targets(topic string) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if topic != Broadcast {
		out := make([]Subscriber, 0, len(h.topics[topic]))
		for s := range h.topics[topic] {
			out = append(out, s)
		}
		return out
	}

	seen := make(map[Subscriber]struct{})
	var out []Subscriber
	for _, subs := range h.topics {
		for s := range subs {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
