package correlator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/ami"
)

// ErrMissingField marks an event that lacks an attribute its handler needs.
var ErrMissingField = errors.New("missing event field")

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Subscriber is the event subscription side of a manager connection.
type Subscriber interface {
	Subscribe(name string, h ami.Handler)
}

// Sink receives the notifications produced by handlers.
type Sink func(Notification)

// Correlator translates manager events into registry mutations and
// notifications. It holds no call state of its own.
type Correlator struct {
	reg    *Registry
	clock  Clock
	logger zerolog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the time source for the correlator.
func WithClock(c Clock) Option {
	return func(corr *Correlator) { corr.clock = c }
}

// WithLogger sets the logger used for skipped events and registry changes.
func WithLogger(l zerolog.Logger) Option {
	return func(corr *Correlator) { corr.logger = l.With().Str("component", "correlator").Logger() }
}

// New creates a Correlator over reg.
func New(reg *Registry, opts ...Option) *Correlator {
	c := &Correlator{
		reg:    reg,
		clock:  time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the correlator mutates.
func (c *Correlator) Registry() *Registry { return c.reg }

// Events lists the event names Handle acts on.
func (c *Correlator) Events() []string {
	return []string{"Newchannel", "Bridge", "Hangup", "QueueMemberStatus"}
}

// Register subscribes the lifecycle handlers on sub. Notifications go to
// sink. Events with missing fields are logged and skipped.
func (c *Correlator) Register(sub Subscriber, sink Sink) {
	for _, name := range c.Events() {
		sub.Subscribe(name, func(evt ami.Event) error {
			n, err := c.Handle(evt)
			if errors.Is(err, ErrMissingField) {
				c.logger.Warn().Err(err).Str("event", evt.Name()).Msg("skipping incomplete event")
				return nil
			}
			if err != nil {
				return err
			}
			if n != nil {
				sink(*n)
			}
			return nil
		})
	}
}

// Process ingests an event and returns any resulting notifications. Errors
// are logged, never returned.
func (c *Correlator) Process(evt ami.Event) []Notification {
	n, err := c.Handle(evt)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", evt.Name()).Msg("skipping event")
		return nil
	}
	if n == nil {
		return nil
	}
	return []Notification{*n}
}

// Handle applies one event. It returns at most one notification.
func (c *Correlator) Handle(evt ami.Event) (*Notification, error) {
	if evt.IsResponse() {
		return nil, nil
	}

	switch evt.Name() {
	case "Newchannel":
		return c.handleNewchannel(evt)
	case "Bridge":
		return c.handleBridge(evt)
	case "Hangup":
		return c.handleHangup(evt)
	case "QueueMemberStatus":
		return c.handleQueueMemberStatus(evt)
	default:
		return nil, nil
	}
}

func require(evt ami.Event, keys ...string) error {
	for _, k := range keys {
		if v, ok := evt.Lookup(k); !ok || v == "" {
			return fmt.Errorf("%s: %w %s", evt.Name(), ErrMissingField, k)
		}
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (c *Correlator) handleNewchannel(evt ami.Event) (*Notification, error) {
	if err := require(evt, "Channel"); err != nil {
		return nil, err
	}

	now := c.clock()
	rec, ok := c.reg.OnNewChannel(evt.Get("Channel"), evt.Get("CallerIDNum"), now)
	if !ok {
		return nil, nil
	}

	c.logger.Debug().
		Str("channel", rec.Channel).
		Str("caller_id", rec.CallerID).
		Str("extension", rec.Extension).
		Msg("call ringing")

	n := toAgent(rec.Extension, EventIncomingCall, IncomingCall{
		Channel:   rec.Channel,
		CallerID:  rec.CallerID,
		Extension: rec.Extension,
		Status:    string(StatusRinging),
		Timestamp: stamp(rec.CreatedAt),
	})
	return &n, nil
}

func (c *Correlator) handleBridge(evt ami.Event) (*Notification, error) {
	// Asterisk 1.8 reports both link and unlink as Bridge events.
	if strings.EqualFold(evt.Get("Bridgestate"), "Unlink") {
		return nil, nil
	}
	if err := require(evt, "Channel1", "Channel2"); err != nil {
		return nil, err
	}

	rec, ok := c.reg.OnBridge(evt.Get("Channel1"), evt.Get("Channel2"), c.clock())
	if !ok {
		return nil, nil
	}

	c.logger.Debug().
		Str("channel", rec.Channel).
		Str("extension", rec.Extension).
		Msg("call connected")

	n := toAgent(rec.Extension, EventCallConnected, CallConnected{
		Channel:     rec.Channel,
		Extension:   rec.Extension,
		Status:      string(StatusConnected),
		ConnectTime: stamp(*rec.ConnectedAt),
	})
	return &n, nil
}

func (c *Correlator) handleHangup(evt ami.Event) (*Notification, error) {
	if err := require(evt, "Channel"); err != nil {
		return nil, err
	}

	rec, ok := c.reg.OnHangup(evt.Get("Channel"))
	if !ok {
		return nil, nil
	}

	cause := evt.Get("Cause")
	causeText := evt.Get("Cause-txt")
	if causeText == "" {
		if code, err := strconv.Atoi(cause); err == nil {
			causeText = HangupCause[code]
		}
	}

	c.logger.Debug().
		Str("channel", rec.Channel).
		Str("extension", rec.Extension).
		Str("cause", cause).
		Msg("call ended")

	n := toAgent(rec.Extension, EventCallEnded, CallEnded{
		Channel:   rec.Channel,
		Extension: rec.Extension,
		Cause:     cause,
		CauseText: causeText,
		EndTime:   stamp(c.clock()),
	})
	return &n, nil
}

func (c *Correlator) handleQueueMemberStatus(evt ami.Event) (*Notification, error) {
	// Asterisk 1.8 names the member "Location"; later versions "Interface".
	iface := evt.Get("Interface")
	if iface == "" {
		iface = evt.Get("Location")
	}
	if iface == "" {
		return nil, fmt.Errorf("%s: %w Interface", evt.Name(), ErrMissingField)
	}
	if err := require(evt, "Status"); err != nil {
		return nil, err
	}

	ext, ok := c.reg.Matcher().InterfaceExtension(iface)
	if !ok {
		return nil, nil
	}

	status := evt.Get("Status")
	n := broadcast(EventAgentStatusChange, AgentStatusChange{
		Extension:  ext,
		Status:     status,
		StatusText: DeviceState[status],
		Timestamp:  stamp(c.clock()),
	})
	return &n, nil
}
