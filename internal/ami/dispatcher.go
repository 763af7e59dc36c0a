package ami

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

// Handler processes one asynchronous event. A returned error is logged and
// does not stop dispatch.
type Handler func(Event) error

// Dispatcher routes events to handlers by event name. Exact-name handlers run
// before wildcard handlers, each group in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	byName   map[string][]Handler
	wildcard []Handler
	logger   zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		byName: make(map[string][]Handler),
		logger: logger,
	}
}

// Subscribe registers h for events named name, or for all events when name
// is Wildcard. Safe to call while dispatch is running.
func (d *Dispatcher) Subscribe(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name == Wildcard {
		d.wildcard = append(d.wildcard, h)
		return
	}
	d.byName[name] = append(d.byName[name], h)
}

// Dispatch runs every matching handler synchronously.
func (d *Dispatcher) Dispatch(evt Event) {
	d.mu.RLock()
	exact := d.byName[evt.Name()]
	handlers := make([]Handler, 0, len(exact)+len(d.wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, d.wildcard...)
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := d.invoke(h, evt); err != nil {
			d.logger.Error().
				Err(err).
				Str("event", evt.Name()).
				Msg("event handler failed")
		}
	}
}

func (d *Dispatcher) invoke(h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(evt)
}
