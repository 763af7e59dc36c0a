package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/ami"
	"github.com/sweeney/vicidial-bridge/internal/correlator"
	"github.com/sweeney/vicidial-bridge/internal/publisher"
)

const publishTimeout = 5 * time.Second

// newSink encodes notifications and hands them to pub. Failures are logged
// and never reach the dispatcher.
func newSink(pub publisher.Publisher, logger zerolog.Logger) correlator.Sink {
	return func(n correlator.Notification) {
		if err := publishNotification(pub, n); err != nil {
			logger.Warn().Err(err).Str("event", n.Event).Str("topic", n.Topic).Msg("publish failed")
			return
		}
		logger.Debug().Str("event", n.Event).Str("topic", n.Topic).Msg("published")
	}
}

func publishNotification(pub publisher.Publisher, n correlator.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", n.Event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return pub.Publish(ctx, n.Topic, data)
}

// sessionSetup returns the per-session hook: records left over from a dead
// session can never see their hangup, so they are dropped before the new
// session's handlers are registered.
func sessionSetup(corr *correlator.Correlator, sink correlator.Sink, logger zerolog.Logger) func(*ami.Conn) {
	return func(conn *ami.Conn) {
		startSession(corr, sink, logger, conn)
	}
}

func startSession(corr *correlator.Correlator, sink correlator.Sink, logger zerolog.Logger, sub correlator.Subscriber) {
	if dropped := corr.Registry().Reset(); dropped > 0 {
		logger.Info().Int("dropped", dropped).Msg("cleared calls from previous session")
	}
	corr.Register(sub, sink)
}
