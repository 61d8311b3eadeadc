// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// peer-bridge forwards messages queued for remote peers across
// authenticated TCP connections and delivers inbound peer traffic into
// local inboxes. Routes are installed at runtime by a node process
// over the broker's control addresses, or by the embedded node
// publisher configured in the node section.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peerbridge/lib/config"
	"github.com/bureau-foundation/peerbridge/lib/process"
	"github.com/bureau-foundation/peerbridge/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("peer-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $PEERBRIDGE_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Printf("peer-bridge %s\n", version.Info())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("peer-bridge starting", "version", version.Info(), "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds the process logger from validated settings.
func newLogger(settings config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(settings.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if settings.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `peer-bridge - durable message bridge between peers

Reads its configuration from --config or $PEERBRIDGE_CONFIG. Individual
values can be overridden with PEERBRIDGE_* environment variables, for
example PEERBRIDGE_LISTEN_ADDRESS=0.0.0.0:10005.

Usage:
  peer-bridge [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
