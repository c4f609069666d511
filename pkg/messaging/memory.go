package messaging

import (
	"context"
	"slices"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/internal/broadcast"
	"github.com/hyp3rd/coretex/internal/sentinel"
)

// Memory is an in-process Broker. Each subscriber has a bounded queue; messages
// for a full queue are dropped.
type Memory struct {
	id     string
	queue  int
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*broadcast.Hub[Message]
	closed bool
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithQueueSize sets the per-subscriber buffer.
func WithQueueSize(n int) MemoryOption {
	return func(m *Memory) { m.queue = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates a broker; id is stamped as Sender on published messages.
func NewMemory(id string, opts ...MemoryOption) *Memory {
	m := &Memory{
		id:     id,
		queue:  broadcast.DefaultQueueSize,
		logger: zerolog.Nop(),
		topics: map[string]*broadcast.Hub[Message]{},
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Publish delivers data to the current subscribers of topic.
func (m *Memory) Publish(_ context.Context, topic string, data []byte) error {
	if topic == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "topic")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return sentinel.ErrBrokerClosed
	}

	hub := m.topics[topic]
	m.mu.Unlock()

	if hub == nil {
		return nil
	}

	msg := Message{Topic: topic, Data: append([]byte(nil), data...), Sender: m.id}

	if missed := hub.Publish(msg); missed > 0 {
		m.logger.Warn().Str("topic", topic).Int("missed", missed).Msg("subscribers lagging, messages dropped")
	}

	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if topic == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "topic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, sentinel.ErrBrokerClosed
	}

	hub, ok := m.topics[topic]
	if !ok {
		hub = broadcast.New[Message](m.queue)
		m.topics[topic] = hub
	}

	return hub.Subscribe(ctx), nil
}

// Unsubscribe implements Broker.
func (m *Memory) Unsubscribe(topic string) error {
	m.mu.Lock()
	hub, ok := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()

	if !ok {
		return ewrap.Wrapf(sentinel.ErrUnknownTopic, "topic %q", topic)
	}

	hub.Close()

	return nil
}

// Topics implements Broker. Topics whose subscribers all went away are omitted.
func (m *Memory) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.topics))

	for t, hub := range m.topics {
		if hub.Subscribers() > 0 {
			out = append(out, t)
		}
	}

	slices.Sort(out)

	return out
}

// Dropped returns the number of messages lost to full subscriber queues.
func (m *Memory) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n uint64
	for _, hub := range m.topics {
		n += hub.Dropped()
	}

	return n
}

// Close ends every stream. Further calls fail with ErrBrokerClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for t, hub := range m.topics {
		hub.Close()
		delete(m.topics, t)
	}

	return nil
}
