// Package cli implements the interactive terminal client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/rumeysa111/real-time-chat-room/internal/chatclient"
	"github.com/rumeysa111/real-time-chat-room/internal/hub"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Run parses arguments, connects to the hub and hands the terminal to the
// command loop. It returns the process exit code.
func Run() int {
	var (
		server  string
		tcpPort int
		udpPort int
		user    string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:          "chat",
		Short:        "Connect to a chat hub and talk from the terminal.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log := newLogger(verbose)
			repl := newREPL(os.Stdin, os.Stdout)

			client, err := chatclient.New(&chatclient.Config{
				Logger:   log,
				Events:   repl.events(),
				ServerIP: server,
				TCPPort:  tcpPort,
				UDPPort:  udpPort,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if err := connectWithRetry(ctx, log, client, user); err != nil {
				return err
			}

			return repl.run(ctx, client)
		},
	}

	rootCmd.Flags().StringVar(&server, "server", "127.0.0.1", "hub host or IP")
	rootCmd.Flags().IntVar(&tcpPort, "tcp-port", hub.DefaultTCPPort, "hub TCP control port")
	rootCmd.Flags().IntVar(&udpPort, "udp-port", hub.DefaultUDPPort, "hub UDP data port")
	rootCmd.Flags().StringVar(&user, "user", "", "username (required)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")
	_ = rootCmd.MarkFlagRequired("user")

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// connectWithRetry dials the hub with exponential backoff. A rejected
// username is permanent; there is no point retrying it.
func connectWithRetry(ctx context.Context, log *slog.Logger, client *chatclient.Client, user string) error {
	op := func() error {
		err := client.Connect(ctx, user)
		if errors.Is(err, chatclient.ErrAuthFailed) {
			return backoff.Permanent(fmt.Errorf("username %q rejected by hub: %w", user, err))
		}
		if err != nil {
			log.Warn("connect failed, retrying", "error", err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
	}))
}
