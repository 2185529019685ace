// Package main is the entry point for the outbound SMTP delivery daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shineum/smtp-outbound-lite/internal/client"
	"github.com/shineum/smtp-outbound-lite/internal/config"
	"github.com/shineum/smtp-outbound-lite/internal/dns"
	"github.com/shineum/smtp-outbound-lite/internal/logging"
	"github.com/shineum/smtp-outbound-lite/internal/metrics"
	"github.com/shineum/smtp-outbound-lite/internal/reactor"
	"github.com/shineum/smtp-outbound-lite/internal/signals"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	sink, err := logging.Open(cfg.Log.Path)
	if err != nil {
		slog.Error("failed to open log sink", "path", cfg.Log.Path, "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(sink, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	code := 0
	if err := run(cfg, logger); err != nil {
		logger.Error("delivery engine failed", "error", err)
		code = 1
	}
	os.Exit(closeSink(sink, os.Stderr, code))
}

// closeSink flushes the log sink and returns the exit code. The sink cannot
// log its own failure, so that goes to stderr.
func closeSink(sink io.Closer, stderr io.Writer, code int) int {
	if err := sink.Close(); err != nil {
		fmt.Fprintf(stderr, "failed to flush log sink: %v\n", err)
		return 1
	}
	return code
}

func run(cfg *config.Config, logger *slog.Logger) error {
	sig, err := signals.New(logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sig.Close(); err != nil {
			logger.Error("failed to close signal handler", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.MetricsEnabled() {
		srv, err := metrics.Serve(cfg.Metrics.Listen, reg, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("failed to stop metrics listener", "error", err)
			}
		}()
	}

	servers, err := dns.ReadResolvConf(cfg.DNS.ResolvConf)
	if err != nil {
		return fmt.Errorf("read resolver configuration: %w", err)
	}
	dnsCfg := dns.Config{
		Servers:  servers,
		Timeout:  cfg.DNS.Timeout,
		Attempts: cfg.DNS.Attempts,
	}

	c, err := client.New(client.Config{
		SpoolRoot: cfg.Spool.Root,
		HeloName:  cfg.SMTP.Host,
		Port:      uint16(cfg.SMTP.Port),
		Resolvers: func() dns.Resolver { return dns.NewUDPResolver(dnsCfg, logger) },
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	logger.Info("starting smtp-outbound-lite",
		"spool", cfg.Spool.Root,
		"helo", cfg.SMTP.Host,
		"port", cfg.SMTP.Port,
		"nameservers", len(servers),
		"metrics", cfg.Metrics.Listen,
	)
	return c.Run(reactor.New(), sig)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	load := config.Load
	if path != "" {
		load = func() (*config.Config, error) { return config.LoadFromFile(path) }
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
