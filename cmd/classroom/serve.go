package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	orchestration "github.com/koscakluka/ema-classroom/core"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/internal/api"
	"github.com/koscakluka/ema-classroom/internal/metrics"
	"github.com/koscakluka/ema-classroom/internal/sideband"
	"github.com/koscakluka/ema-classroom/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve classroom rooms over HTTP and websockets",
		Long: `Starts the HTTP API. Browsers join a session at
/api/v1/sessions/{id}/ws; transcripts are stored in Postgres when
DATABASE_URL is set and in memory otherwise.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var data store.DataStore
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
		data = db
		log.Info("database connected")
	} else {
		data = store.NewMemory()
		log.Warn("DATABASE_URL not set, transcripts are kept in memory")
	}
	defer data.Close()

	m := metrics.NewMetrics("classroom")
	diagnostics := []func(events.Diagnostic){m.RecordDiagnostic}
	apiOpts := []api.Option{api.WithReader(data), api.WithMetrics(m), api.WithLogger(log)}

	if cfg.NatsURL != "" {
		bus, err := sideband.Connect(cfg.NatsURL,
			sideband.WithStream(cfg.DiagnosticsStream, cfg.DiagnosticsMaxAge),
			sideband.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		defer bus.Close()
		if err := bus.EnsureStream(ctx); err != nil {
			log.Warn("diagnostics stream not available", "error", err)
		}
		diagnostics = append(diagnostics, bus.Diagnostics().Publish)
		apiOpts = append(apiOpts, api.WithTransportDecorator(func(sessionID string, transport orchestration.Transport) orchestration.Transport {
			return bus.Mirror(sessionID, transport)
		}))
		log.Info("NATS fan-out enabled", "url", cfg.NatsURL)
	}

	opts, limiter := coordinatorOptions(cfg, pipelineDeps{sink: data, onDiagnostic: fanOut(diagnostics...), log: log})
	if limiter != nil {
		m.ObserveTranscriptions("classroom", limiter)
	}
	coordinator := orchestration.NewCoordinator(opts...)

	srv := api.NewServer(ctx, coordinator, cfg.Port, apiOpts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info("classroom ready", "port", cfg.Port)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			coordinator.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+cfg.StopOverhead+time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	coordinator.Close()
	log.Info("classroom stopped")
	return nil
}
