// Package supervisor keeps one manager session alive, redialing after a
// fixed delay whenever it ends.
package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/ami"
)

const DefaultReconnectDelay = 5 * time.Second

// Options configures a Supervisor.
type Options struct {
	AMI            ami.Options
	ReconnectDelay time.Duration

	// Logger is shared with every connection.
	Logger zerolog.Logger

	// OnSession runs for every new session before its first event is
	// dispatched. Register handlers and reset per-session state here.
	OnSession func(*ami.Conn)
}

// Supervisor owns the current manager connection. It satisfies
// ami.Actioner; actions fail with ami.ErrDisconnected between sessions.
type Supervisor struct {
	opts     Options
	logger   zerolog.Logger
	current  atomic.Pointer[ami.Conn]
	sessions atomic.Int64
}

func New(opts Options) *Supervisor {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "supervisor").Logger(),
	}
}

// Run keeps a session open until ctx is cancelled. It always returns nil
// once ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		ev := s.logger.Warn()
		if errors.Is(err, ami.ErrAuthRejected) {
			ev = s.logger.Error()
		}
		ev.Err(err).Dur("delay", s.opts.ReconnectDelay).Msg("AMI session ended, reconnecting")

		select {
		case <-time.After(s.opts.ReconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context) error {
	opts := s.opts.AMI
	opts.Logger = s.opts.Logger
	opts.Setup = func(c *ami.Conn) {
		if s.opts.OnSession != nil {
			s.opts.OnSession(c)
		}
	}

	s.logger.Info().Str("addr", opts.Addr).Msg("connecting to AMI")
	conn, err := ami.Dial(ctx, opts)
	if err != nil {
		return err
	}

	s.current.Store(conn)
	s.sessions.Add(1)
	defer s.current.CompareAndSwap(conn, nil)

	select {
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return err
		}
		return errors.New("session closed")
	case <-ctx.Done():
		conn.Disconnect()
		return nil
	}
}

// SendAction forwards to the current session.
func (s *Supervisor) SendAction(ctx context.Context, action string, fields map[string]string) (*ami.Response, error) {
	conn := s.current.Load()
	if conn == nil {
		return nil, ami.ErrDisconnected
	}
	return conn.SendAction(ctx, action, fields)
}

// Connected reports whether a logged-in session is currently open.
func (s *Supervisor) Connected() bool {
	conn := s.current.Load()
	return conn != nil && conn.Connected()
}

// Sessions returns how many sessions have been established so far.
func (s *Supervisor) Sessions() int64 { return s.sessions.Load() }
