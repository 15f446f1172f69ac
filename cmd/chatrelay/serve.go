package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/handlers"
	"chatrelay-backend/internal/metrics"
	"chatrelay-backend/internal/router"
	"chatrelay-backend/internal/services"
	"chatrelay-backend/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().String("port", "", "listen port (overrides PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("🚀 Starting chat relay backend...")

	// ──── Step 1: Validate Configuration ────
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("✗ Configuration invalid")
		return err
	}
	log.Info().Str("provider", cfg.Provider).Str("store", cfg.TranscriptStore).Msg("✓ Configuration loaded")

	// ──── Step 2: Open Transcript Store ────
	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("✗ Transcript store unavailable")
		return err
	}
	defer b.Close()
	log.Info().Msg("✓ Transcript store ready")

	// ──── Step 3: Initialize Upstream Client ────
	upstream, closeUpstream, err := newUpstream(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("✗ Upstream client initialization failed")
		return err
	}
	defer closeUpstream()
	log.Info().Str("provider", upstream.Name()).Msg("✓ Upstream client initialized")

	// ──── Step 4: Metrics, Hub & Relay ────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	wsHub := websocket.NewHub(b.pubsub)
	defer wsHub.Close()

	relay := services.NewRelayService(b.store, upstream, services.RelayOptions{
		SystemPrompt:          cfg.SystemPrompt,
		RecordFallbackReplies: cfg.RecordFallbackReplies,
		ConcurrentRequests:    cfg.UpstreamConcurrency,
		QueueTimeout:          cfg.UpstreamQueueTimeout,
		UpstreamTimeout:       cfg.UpstreamTimeout,
		Metrics:               m,
		Publisher:             wsHub,
	})

	sweeper := services.NewSessionSweeper(b.store, cfg.SessionIdleTTL)
	sweeper.Start()
	defer sweeper.Stop()

	// ──── Step 5: Start HTTP Server ────
	r := router.New(
		handlers.NewChatHandler(relay),
		handlers.NewSessionHandler(relay),
		wsHub,
		reg,
	)

	// A relay gives up waiting before the write deadline, so /chat always answers.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Msgf("✓ Chat relay ready on http://localhost:%s", cfg.Port)
		log.Info().Msgf("  Chat: POST http://localhost:%s/chat", cfg.Port)
		log.Info().Msgf("  WS:   ws://localhost:%s/api/v1/sessions/{id}/ws", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	return eg.Wait()
}
