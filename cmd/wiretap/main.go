// Command wiretap records raw manager traffic into capture files that the
// test suites replay, and scrubs captures before they are committed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/ami"
	"github.com/sweeney/vicidial-bridge/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Read AMI settings from a bridge config file")
	host := flag.String("host", "127.0.0.1", "Asterisk AMI host")
	port := flag.Int("port", 5038, "Asterisk AMI port")
	user := flag.String("user", "cron", "AMI username")
	secret := flag.String("secret", "", "AMI secret")
	events := flag.String("events", "", "Comma separated event names to record (default: all)")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Str("service", "wiretap").Logger()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			logger.Fatal().Err(err).Msg("sanitize")
		}
		logger.Info().Str("file", *sanitize).Msg("sanitized")
		return
	}

	opts := ami.Options{
		Addr:     fmt.Sprintf("%s:%d", *host, *port),
		Username: *user,
		Secret:   *secret,
		Logger:   logger,
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("loading config")
		}
		opts.Addr = cfg.AMI.Addr()
		opts.Username = cfg.AMI.Username
		opts.Secret = cfg.AMI.Secret
		opts.DialTimeout = cfg.AMI.DialTimeout
	}
	if opts.Secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or -config is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := capture(ctx, opts, eventNames(*events), *outDir, logger); err != nil {
		logger.Fatal().Err(err).Msg("capture")
	}
}

func eventNames(list string) []string {
	var names []string
	for _, n := range strings.Split(list, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return []string{ami.Wildcard}
	}
	return names
}

// captureWriter appends frames in wire framing from the dispatch goroutine.
type captureWriter struct {
	mu     sync.Mutex
	f      *os.File
	frames int
}

func (w *captureWriter) writeBanner(banner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.f.WriteString(banner + "\r\n\r\n")
	return err
}

func (w *captureWriter) handle(evt ami.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(evt.Encode()); err != nil {
		return err
	}
	w.frames++
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

func capture(ctx context.Context, opts ami.Options, names []string, outDir string, logger zerolog.Logger) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	w := &captureWriter{f: f}
	var bannerErr error
	opts.Setup = func(c *ami.Conn) {
		// The banner goes first so captures replay like a live session.
		bannerErr = w.writeBanner(c.Banner())
		for _, n := range names {
			c.Subscribe(n, w.handle)
		}
	}

	conn, err := ami.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Disconnect()
	if bannerErr != nil {
		return fmt.Errorf("writing banner: %w", bannerErr)
	}

	logger.Info().Str("file", filename).Strs("events", names).Msg("streaming events (ctrl+c to stop)")

	select {
	case <-ctx.Done():
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			logger.Warn().Err(err).Msg("session ended")
		}
	}
	logger.Info().Int("frames", w.count()).Msg("capture closed")
	return nil
}
