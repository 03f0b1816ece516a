package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/crisismesh/disaster-dedup-service/internal/adapter/http"
	kafkaadapter "github.com/crisismesh/disaster-dedup-service/internal/adapter/kafka"
	"github.com/crisismesh/disaster-dedup-service/internal/adapter/nominatim"
	"github.com/crisismesh/disaster-dedup-service/internal/adapter/postgres"
	"github.com/crisismesh/disaster-dedup-service/internal/config"
	"github.com/crisismesh/disaster-dedup-service/internal/dedup"
	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/observability"
	"github.com/crisismesh/disaster-dedup-service/internal/pipeline"
	"github.com/crisismesh/disaster-dedup-service/internal/store"
	"github.com/crisismesh/disaster-dedup-service/internal/store/memory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Geocoding is feature-flagged; without it textual locations stay
	// ungeocoded and never participate in spatial matching.
	var geocoder domain.Geocoder
	if cfg.GeocodeEnabled {
		client := nominatim.NewClient(cfg.NominatimBaseURL, cfg.NominatimUA, cfg.NominatimTimeout, cfg.NominatimRPS, metrics)
		geocoder = nominatim.NewCachedGeocoder(client, cfg.GeocodeCacheSize, metrics)
		logger.Info("nominatim geocoding enabled", "base_url", cfg.NominatimBaseURL, "cache_size", cfg.GeocodeCacheSize)
	} else {
		logger.Info("geocoding disabled")
	}

	engine := dedup.New(st, geocoder, logger, metrics, dedup.Config{
		TemporalWindow:      cfg.TemporalWindow,
		SpatialRadiusKm:     cfg.SpatialRadiusKm,
		LocationRadiusKm:    cfg.LocationRadiusKm,
		DivergenceTolerance: cfg.DivergenceTolerance,
		GeocodeTimeout:      cfg.NominatimTimeout,
	})

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)

	p := pipeline.New(reader, engine, writer, logger, metrics, cfg.BatchSize, cfg.WorkerCount)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, st, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// openStore builds the configured store backend. Postgres applies pending
// migrations before serving; memory is for local development only.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store, data will not survive restarts")
		return memory.New(), func() {}, nil
	default:
		if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to postgres")
		return pg, pg.Close, nil
	}
}
