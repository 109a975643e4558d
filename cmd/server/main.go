package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyper-ai-inc/pullbroker/internal/config"
	"github.com/hyper-ai-inc/pullbroker/internal/journal"
	"github.com/hyper-ai-inc/pullbroker/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "pullbroker",
		Short:         "Broker file operations, commands and approvals to a polling agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, configPath, logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml or toml)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")
	return cmd
}

func run(ctx context.Context, cfg config.Config, configPath string, log zerolog.Logger) error {
	if err := os.MkdirAll(cfg.BundleDir, 0755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, log)
		if err != nil {
			return err
		}
		defer j.Close()
		jrnl = j
	}

	server := NewServer(cfg, jrnl, log)
	defer server.Close()

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, log, server.Reload); err != nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}
	if ttl := cfg.Timeouts.OrphanTTL.Std(); ttl > 0 {
		go server.sweepLoop(ctx, ttl)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("version", version).Msg("starting server")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
