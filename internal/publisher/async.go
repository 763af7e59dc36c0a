package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("publisher: queue full")
	ErrClosed    = errors.New("publisher: closed")
)

const (
	DefaultAsyncBuffer  = 1024
	DefaultAsyncTimeout = 5 * time.Second
)

// AsyncOptions configures an Async publisher.
type AsyncOptions struct {
	Name    string
	Buffer  int
	Timeout time.Duration // per message
	Logger  zerolog.Logger
}

// Async hands messages to a single worker goroutine that publishes them to
// the wrapped Publisher in order. Publish never waits on the broker: when the
// buffer is full the message is dropped and ErrQueueFull returned.
type Async struct {
	inner   Publisher
	queue   chan Message
	timeout time.Duration
	logger  zerolog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewAsync(inner Publisher, opts AsyncOptions) *Async {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultAsyncBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultAsyncTimeout
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan Message, opts.Buffer),
		timeout: opts.Timeout,
		logger:  opts.Logger.With().Str("component", "publisher").Str("mirror", opts.Name).Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, topic string, payload []byte) error {
	select {
	case <-a.stop:
		return ErrClosed
	default:
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages, flushes what is queued within one timeout
// and closes the wrapped publisher.
func (a *Async) Close() error {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
	return a.inner.Close()
}

func (a *Async) run() {
	defer close(a.done)

	for {
		select {
		case msg := <-a.queue:
			a.send(context.Background(), msg)
		case <-a.stop:
			a.flush()
			return
		}
	}
}

func (a *Async) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	dropped := 0
	for {
		select {
		case msg := <-a.queue:
			if ctx.Err() != nil {
				dropped++
				continue
			}
			a.send(ctx, msg)
		default:
			if dropped > 0 {
				a.logger.Warn().Int("dropped", dropped).Msg("shutdown flush timed out")
			}
			return
		}
	}
}

func (a *Async) send(parent context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()
	if err := a.inner.Publish(ctx, msg.Topic, msg.Payload); err != nil {
		a.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("mirror publish failed")
	}
}
