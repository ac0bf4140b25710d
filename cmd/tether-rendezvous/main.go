// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tether-rendezvous is the signaling relay tether peers find each
// other through. Peers hold a websocket on /v1/signal; the relay
// forwards offers, answers and wake-ups between them. With --redis,
// several instances share one redis pub/sub channel so peers may land
// on different instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/process"
	"github.com/bureau-foundation/tether/lib/version"
	"github.com/bureau-foundation/tether/rendezvous"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var configPath, listen, redisURL, channel, logFormat, logLevel string
	var showVersion bool
	flagSet := pflag.NewFlagSet("tether-rendezvous", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $TETHER_CONFIG, else built-in defaults)")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides rendezvous.listen)")
	flagSet.StringVar(&redisURL, "redis", "", "redis URL for cross-instance fan-out (overrides rendezvous.redis_url)")
	flagSet.StringVar(&channel, "channel", "", "redis pub/sub channel (overrides rendezvous.channel)")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: auto, text or json")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Line("tether-rendezvous"))
		return nil
	}

	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return err
	}
	for target, value := range map[*string]string{
		&cfg.Rendezvous.Listen:   listen,
		&cfg.Rendezvous.RedisURL: redisURL,
		&cfg.Rendezvous.Channel:  channel,
		&cfg.Log.Format:          logFormat,
		&cfg.Log.Level:           logLevel,
	} {
		if value != "" {
			*target = value
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := process.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubConfig := rendezvous.Config{Logger: logger}
	if cfg.Rendezvous.RedisURL != "" {
		options, err := redis.ParseURL(cfg.Rendezvous.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis URL: %w", err)
		}
		client := redis.NewClient(options)
		defer client.Close()
		bus, err := rendezvous.NewRedisBus(ctx, client, cfg.Rendezvous.Channel, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		hubConfig.Bus = bus
		logger.Info("redis fan-out enabled", "addr", options.Addr, "channel", cfg.Rendezvous.Channel)
	}
	hub := rendezvous.NewHub(hubConfig)

	listener, err := net.Listen("tcp", cfg.Rendezvous.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Rendezvous.Listen, err)
	}
	server := &http.Server{
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()
	logger.Info("rendezvous listening", "addr", listener.Addr().String(), "version", version.Info())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		hub.Close()
		return fmt.Errorf("serving: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websockets are not tracked by Shutdown; the hub closes
	// them.
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
