package publisher

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledBroker blocks every Publish until the context expires or release is
// closed.
type stalledBroker struct {
	*MockPublisher
	release chan struct{}
}

func (s *stalledBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-s.release:
		return s.MockPublisher.Publish(ctx, topic, payload)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAsyncPublishesInOrder(t *testing.T) {
	mock := NewMockPublisher()
	a := NewAsync(mock, AsyncOptions{Name: "test", Logger: zerolog.Nop()})

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Publish(context.Background(), "agent_1080", []byte(fmt.Sprint(i))))
	}
	require.NoError(t, a.Close())

	msgs := mock.MessagesFor("agent_1080")
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprint(i), string(m.Payload))
	}
	assert.True(t, mock.Closed())
}

func TestAsyncNeverBlocksOnStalledBroker(t *testing.T) {
	broker := &stalledBroker{MockPublisher: NewMockPublisher(), release: make(chan struct{})}
	a := NewAsync(broker, AsyncOptions{Buffer: 2, Timeout: 50 * time.Millisecond, Logger: zerolog.Nop()})
	t.Cleanup(func() { a.Close() })

	start := time.Now()
	var full int
	for i := 0; i < 10; i++ {
		if err := a.Publish(context.Background(), Broadcast, []byte("status")); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full++
		}
	}
	assert.Less(t, time.Since(start), 40*time.Millisecond, "Publish waited on the broker")
	assert.Positive(t, full, "expected overflow to be dropped")
}

// flakyBroker fails its first Publish.
type flakyBroker struct {
	*MockPublisher
	calls atomic.Int32
}

func (f *flakyBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.calls.Add(1) == 1 {
		return assert.AnError
	}
	return f.MockPublisher.Publish(ctx, topic, payload)
}

func TestAsyncFailureDoesNotStopWorker(t *testing.T) {
	broker := &flakyBroker{MockPublisher: NewMockPublisher()}
	a := NewAsync(broker, AsyncOptions{Logger: zerolog.Nop()})

	require.NoError(t, a.Publish(context.Background(), "agent_1080", []byte("lost")))
	require.NoError(t, a.Publish(context.Background(), "agent_1080", []byte("kept")))
	require.NoError(t, a.Close())

	msgs := broker.MessagesFor("agent_1080")
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", string(msgs[0].Payload))
	assert.Equal(t, int32(2), broker.calls.Load())
}

func TestAsyncRejectsAfterClose(t *testing.T) {
	a := NewAsync(NewMockPublisher(), AsyncOptions{Logger: zerolog.Nop()})
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Publish(context.Background(), "agent_1080", []byte("late")), ErrClosed)
}
