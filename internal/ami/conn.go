package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultDialTimeout   = 10 * time.Second
	DefaultActionTimeout = 20 * time.Second
	DefaultEventBuffer   = 256
)

// Options configures a manager connection.
type Options struct {
	Addr     string
	Username string
	Secret   string

	DialTimeout   time.Duration
	ActionTimeout time.Duration
	// EventBuffer is the dispatch backlog at which a warning is logged. The
	// queue itself is unbounded so the reader never waits on handlers.
	EventBuffer int

	Logger zerolog.Logger

	// NewActionID overrides ActionID generation. Defaults to uuid.NewString.
	NewActionID func() string

	// Setup runs after login and before the first event is dispatched.
	Setup func(*Conn)
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultActionTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.NewActionID == nil {
		o.NewActionID = uuid.NewString
	}
	return o
}

// Response is the decoded reply to one action.
type Response struct {
	Status  string
	Message string
	Frame   Event
	// Events holds the event list that followed a list action
	// (QueueStatus, CoreShowChannels), without the completion event.
	Events []Event
}

// Get returns a header from the response frame.
func (r *Response) Get(key string) string {
	return r.Frame.Get(key)
}

func newResponse(frame Event) *Response {
	return &Response{
		Status:  frame.Get("Response"),
		Message: frame.Get("Message"),
		Frame:   frame,
	}
}

type actionResult struct {
	resp *Response
	err  error
}

type pendingAction struct {
	name string
	ch   chan actionResult
	list *Response // non-nil while collecting an event list
}

// Conn is a single logged-in manager session.
//
// One goroutine reads frames: responses are matched to waiting SendAction
// callers by ActionID, everything else is queued for a second goroutine that
// runs the Dispatcher. The queue never applies backpressure to the reader, so
// SendAction may be called from inside a handler and a slow handler does not
// delay other callers' responses.
type Conn struct {
	opts       Options
	nc         net.Conn
	parser     *Parser
	dispatcher *Dispatcher
	logger     zerolog.Logger
	banner     string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingAction
	closed  bool
	err     error

	events     *eventQueue
	closing    chan struct{}
	readerDone chan struct{}
	done       chan struct{}
}

// Dial opens a transport to the manager port and logs in.
//
// Failures wrap ErrUnreachable when no session could be established and
// ErrAuthRejected when the server refused the credentials.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With().Str("component", "ami").Str("addr", opts.Addr).Logger()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, opts.Addr, err)
	}

	// Abort the handshake if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	c := &Conn{
		opts:       opts,
		nc:         nc,
		dispatcher: NewDispatcher(logger),
		logger:     logger,
		pending:    make(map[string]*pendingAction),
		events:     newEventQueue(),
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		nc.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		}
		return nil, err
	}

	logger.Info().Str("banner", c.banner).Msg("AMI authenticated")

	if opts.Setup != nil {
		opts.Setup(c)
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

func (c *Conn) handshake() error {
	c.nc.SetDeadline(time.Now().Add(c.opts.DialTimeout))
	defer c.nc.SetDeadline(time.Time{})

	reader := bufio.NewReader(c.nc)
	banner, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: reading banner: %v", ErrUnreachable, err)
	}
	c.banner = strings.TrimSpace(banner)
	c.parser = NewParser(reader)

	id := c.opts.NewActionID()
	login := actionFrame("Login", id, map[string]string{
		"Username": c.opts.Username,
		"Secret":   c.opts.Secret,
		"Events":   "on",
	})
	if _, err := c.nc.Write(login.Encode()); err != nil {
		return fmt.Errorf("%w: sending login: %v", ErrUnreachable, err)
	}

	for {
		frame, err := c.parser.Next()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn().Err(err).Msg("dropping malformed frame during login")
				continue
			}
			return fmt.Errorf("%w: awaiting login response: %v", ErrUnreachable, err)
		}
		if !frame.IsResponse() || frame.ActionID() != id {
			continue
		}
		if !strings.EqualFold(frame.Get("Response"), "Success") {
			return fmt.Errorf("%w: %s", ErrAuthRejected, frame.Get("Message"))
		}
		return nil
	}
}

// Banner returns the server greeting line.
func (c *Conn) Banner() string { return c.banner }

// Subscribe registers h for events named name, or all events for Wildcard.
func (c *Conn) Subscribe(name string, h Handler) {
	c.dispatcher.Subscribe(name, h)
}

// Done is closed once the session has ended and dispatch has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the session ended. It is nil while connected and after an
// explicit Disconnect.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether the session is still usable.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// SendAction writes an action and waits for its correlated response. A
// "Response: Error" reply is returned together with a *RejectedError.
func (c *Conn) SendAction(ctx context.Context, action string, fields map[string]string) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	id := c.opts.NewActionID()
	p := &pendingAction{name: action, ch: make(chan actionResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(actionFrame(action, id, fields)); err != nil {
		c.forget(id)
		c.terminate(fmt.Errorf("writing %s: %w", action, err))
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	timer := time.NewTimer(c.opts.ActionTimeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if strings.EqualFold(res.resp.Status, "Error") {
			return res.resp, &RejectedError{Action: action, Message: res.resp.Message}
		}
		return res.resp, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, action, c.opts.ActionTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Disconnect logs off and closes the transport. Waiting SendAction callers
// fail with ErrDisconnected and no further events are dispatched. Safe to
// call more than once.
func (c *Conn) Disconnect() error {
	if !c.Connected() {
		return nil
	}

	logoff := actionFrame("Logoff", c.opts.NewActionID(), nil)
	if err := c.write(logoff); err != nil {
		c.logger.Debug().Err(err).Msg("logoff not sent")
	}

	c.terminate(nil)
	<-c.readerDone
	c.logger.Info().Msg("AMI disconnected")
	return nil
}

func (c *Conn) write(frame Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.nc.SetWriteDeadline(time.Now().Add(c.opts.ActionTimeout))
	_, err := c.nc.Write(frame.Encode())
	return err
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// terminate marks the session closed, closes the socket and fails every
// waiting action. cause is recorded for Err.
func (c *Conn) terminate(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(c.closing)
	c.nc.Close()

	for _, p := range pending {
		p.ch <- actionResult{err: ErrDisconnected}
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer c.events.close()

	for {
		frame, err := c.parser.Next()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("connection closed by server")
			}
			c.terminate(fmt.Errorf("AMI read: %w", err))
			return
		}

		if frame.IsResponse() {
			c.resolve(frame)
			continue
		}
		if c.collect(frame) {
			continue
		}

		if n := c.events.push(frame); n == c.opts.EventBuffer {
			c.logger.Warn().Int("backlog", n).Msg("event dispatch falling behind")
		}
	}
}

func (c *Conn) dispatchLoop() {
	defer close(c.done)

	for {
		evt, ok := c.events.pop()
		if !ok {
			return
		}
		select {
		case <-c.closing:
			// Drain without delivering.
			continue
		default:
		}
		c.dispatcher.Dispatch(evt)
	}
}

// resolve hands a response to its waiting caller, or parks it while the
// announced event list is collected.
func (c *Conn) resolve(frame Event) {
	id := frame.ActionID()
	resp := newResponse(frame)

	c.mu.Lock()
	p := c.pending[id]
	if p == nil {
		c.mu.Unlock()
		c.logger.Debug().Str("action_id", id).Str("response", resp.Status).Msg("response for unknown action")
		return
	}
	if strings.EqualFold(resp.Status, "Success") && announcesList(frame) {
		p.list = resp
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	p.ch <- actionResult{resp: resp}
}

// collect appends a list event to its pending response. It reports whether
// the event was consumed.
func (c *Conn) collect(evt Event) bool {
	id := evt.ActionID()
	if id == "" {
		return false
	}

	c.mu.Lock()
	p := c.pending[id]
	if p == nil || p.list == nil {
		c.mu.Unlock()
		return false
	}
	if !completesList(evt) {
		p.list.Events = append(p.list.Events, evt)
		c.mu.Unlock()
		return true
	}
	delete(c.pending, id)
	c.mu.Unlock()

	p.ch <- actionResult{resp: p.list}
	return true
}

func announcesList(frame Event) bool {
	if strings.EqualFold(frame.Get("EventList"), "start") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(frame.Get("Message")), "will follow")
}

func completesList(evt Event) bool {
	if strings.EqualFold(evt.Get("EventList"), "Complete") {
		return true
	}
	return strings.HasSuffix(evt.Name(), "Complete")
}
