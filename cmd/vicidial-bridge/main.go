package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/ami"
	"github.com/sweeney/vicidial-bridge/internal/config"
	"github.com/sweeney/vicidial-bridge/internal/correlator"
	"github.com/sweeney/vicidial-bridge/internal/httpapi"
	"github.com/sweeney/vicidial-bridge/internal/publisher"
	"github.com/sweeney/vicidial-bridge/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/vicidial-bridge/vicidial-bridge.yaml", "Path to config file")
	logLevel := flag.String("log-level", "", "Override log.level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("loading config")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger := setupLogging(cfg.Log)

	os.Exit(serve(cfg, logger))
}

// serve runs the bridge until a signal arrives or the HTTP listener fails and
// returns the process exit code. Publishers are closed before it returns.
func serve(cfg *config.Config, logger zerolog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := publisher.NewHub(logger)
	pub, err := buildPublisher(ctx, cfg, hub, logger)
	if err != nil {
		logger.Error().Err(err).Msg("starting publishers")
		return 1
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing publishers")
		}
	}()

	if err := run(ctx, cfg, hub, pub, logger); err != nil {
		logger.Error().Err(err).Msg("bridge stopped")
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

func setupLogging(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	return logger.Level(cfg.ZerologLevel()).With().
		Timestamp().
		Str("service", "vicidial-bridge").
		Logger()
}

// buildPublisher fans out to the in-process hub plus any enabled broker
// mirrors. Mirrors publish from their own worker so a slow broker never
// holds up event dispatch.
func buildPublisher(ctx context.Context, cfg *config.Config, hub *publisher.Hub, logger zerolog.Logger) (publisher.Multi, error) {
	pubs := publisher.Multi{hub}

	if cfg.MQTT.Enabled {
		mq, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         1,
		})
		if err != nil {
			pubs.Close()
			return nil, err
		}
		logger.Info().Str("broker", cfg.MQTT.Broker).Msg("connected to MQTT broker")
		pubs = append(pubs, publisher.NewAsync(mq, publisher.AsyncOptions{Name: "mqtt", Logger: logger}))
	}

	if cfg.Redis.Enabled {
		rp, err := publisher.NewRedisPublisher(ctx, publisher.RedisOptions{
			Addr:          cfg.Redis.Addr,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			pubs.Close()
			return nil, err
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
		pubs = append(pubs, publisher.NewAsync(rp, publisher.AsyncOptions{Name: "redis", Logger: logger}))
	}

	return pubs, nil
}

// run serves until ctx is cancelled or the HTTP listener fails. Either way
// the supervisor is stopped before it returns.
func run(ctx context.Context, cfg *config.Config, hub *publisher.Hub, pub publisher.Publisher, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := correlator.NewRegistry(correlator.NewLegMatcher(cfg.AMI.AgentTransports...))
	corr := correlator.New(reg, correlator.WithLogger(logger))
	sink := newSink(pub, logger.With().Str("component", "sink").Logger())

	sup := supervisor.New(supervisor.Options{
		AMI: ami.Options{
			Addr:          cfg.AMI.Addr(),
			Username:      cfg.AMI.Username,
			Secret:        cfg.AMI.Secret,
			DialTimeout:   cfg.AMI.DialTimeout,
			ActionTimeout: cfg.AMI.ActionTimeout,
			EventBuffer:   cfg.AMI.EventBuffer,
		},
		ReconnectDelay: cfg.AMI.ReconnectDelay,
		Logger:         logger,
		OnSession:      sessionSetup(corr, sink, logger),
	})

	api := httpapi.New(httpapi.Options{
		Actioner:     sup,
		Registry:     reg,
		Hub:          hub,
		Health:       sup,
		DefaultQueue: cfg.Queue.Default,
		Logger:       logger,

		AgentTransport: cfg.AMI.AgentTransport,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.HTTP.Listen).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	<-supDone
	return runErr
}
