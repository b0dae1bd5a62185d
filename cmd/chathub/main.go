package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/rumeysa111/real-time-chat-room/internal/hub"
	"github.com/rumeysa111/real-time-chat-room/internal/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	TCPAddr       string
	UDPAddr       string
	MetricsAddr   string
	FanoutWorkers int
	Verbose       bool
	ShowVersion   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("chathub version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	h, err := hub.New(&hub.Config{
		Logger:        log.With("component", "hub"),
		TCPAddr:       cfg.TCPAddr,
		UDPAddr:       cfg.UDPAddr,
		MetricsAddr:   cfg.MetricsAddr,
		FanoutWorkers: cfg.FanoutWorkers,
	})
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("hub error: %w", err)
		}
	}

	cancel()
	<-errCh

	log.Info("hub shutdown complete")
	return nil
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.TCPAddr, "tcp-addr", fmt.Sprintf(":%d", hub.DefaultTCPPort), "TCP control listen address")
	flag.StringVar(&cfg.UDPAddr, "udp-addr", fmt.Sprintf(":%d", hub.DefaultUDPPort), "UDP data listen address")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	flag.IntVar(&cfg.FanoutWorkers, "fanout-workers", 0, "Broadcast worker pool size (0 for default)")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
