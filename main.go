// Package main implements a service that aggregates shared-apartment room
// listings from several Swiss platforms, enriches them with geo data, and
// reconciles them into a single persisted snapshot.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/lmittmann/tint"

	"wg-radar/browser"
	"wg-radar/config"
	"wg-radar/geo"
	"wg-radar/pipeline"
	"wg-radar/pkg/listing"
	"wg-radar/server"
	"wg-radar/source"
	"wg-radar/source/studentsch"
	"wg-radar/source/wgzimmer"
	"wg-radar/source/woko"
	"wg-radar/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	pipe := pipeline.New(
		newAdapters(cfg, logger),
		newEnricher(cfg, logger),
		st,
		cfg.AdapterTimeout,
		logger,
	)

	srv := server.New(&server.Config{
		Refresher: pipe,
		Reports:   st,
		Logger:    logger,
	})

	if cfg.RefreshInterval > 0 {
		go runTicker(ctx, pipe, cfg.RefreshInterval, logger)
	}

	if err := srv.ListenAndServe(ctx, cfg.Port); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg *config.Config) *slog.Logger {
	// Local mode gets colorized terminal output, production structured JSON.
	if cfg.Bucket == "" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (st *store.Store, cleanup func(), err error) {
	if cfg.Bucket == "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalPath)
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, nil, err
		}
		return store.New(nil, "", cfg.LocalPath, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup = func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	logger.Info("Running in production mode", "bucket", cfg.Bucket)
	return store.New(client, cfg.Bucket, "", logger), cleanup, nil
}

func newAdapters(cfg *config.Config, logger *slog.Logger) []source.Adapter {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	var adapters []source.Adapter

	if p := cfg.SourceFor("woko"); p.Enabled {
		adapters = append(adapters, woko.New(httpClient, "", logger))
	}
	if p := cfg.SourceFor("studentsch"); p.Enabled {
		adapters = append(adapters, studentsch.New("", cfg.AdapterTimeout, logger))
	}
	if p := cfg.SourceFor("wgzimmer"); p.Enabled {
		provider := browser.NewProvider(cfg.ChromeBin, cfg.Headless, logger)
		acquire := func(ctx context.Context, timeout time.Duration) (wgzimmer.Session, error) {
			return provider.Acquire(ctx, timeout)
		}
		adapters = append(adapters, wgzimmer.New(acquire, wgzimmer.Config{
			Region:        regionOr(p.Region, "zurich-stadt"),
			MinPrice:      p.MinPrice,
			MaxPrice:      p.MaxPrice,
			PermanentOnly: true,
		}, logger))
	}

	logger.Info("Sources configured", "count", len(adapters))
	return adapters
}

// newEnricher wires the geo providers. Missing API keys degrade to a
// pipeline without the corresponding enrichment step rather than failing.
func newEnricher(cfg *config.Config, logger *slog.Logger) *geo.Enricher {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var geocoder geo.Geocoder
	if cfg.LocationIQKey != "" {
		geocoder = geo.NewLocationIQ(httpClient, cfg.LocationIQKey, "", cfg.Profile.Region, logger)
	} else {
		logger.Warn("LOCATIONIQ_API_KEY not set, geocoding disabled")
	}

	var router geo.Router
	if cfg.RouteServiceKey != "" {
		destination := listing.Coordinates{
			Latitude:  cfg.Profile.Destination.Latitude,
			Longitude: cfg.Profile.Destination.Longitude,
		}
		router = geo.NewDirectionsRouter(httpClient, cfg.RouteServiceKey, "", destination, logger)
	} else {
		logger.Warn("OPENROUTESERVICE_API_KEY not set, commute routing disabled")
	}

	return geo.NewEnricher(geocoder, router, cfg.EnrichConcurrency, nextMondayMorning, logger)
}

// nextMondayMorning is the commute arrival target: the start of the coming
// Monday working day.
func nextMondayMorning() time.Time {
	now := time.Now()
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	monday := now.AddDate(0, 0, days)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 8, 0, 0, 0, now.Location())
}

func runTicker(ctx context.Context, pipe *pipeline.Pipeline, interval time.Duration, logger *slog.Logger) {
	logger.Info("Periodic refresh enabled", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pipe.Refresh(ctx); err != nil {
				logger.Error("Scheduled refresh failed", "error", err)
			}
		}
	}
}

func regionOr(region, fallback string) string {
	if region != "" {
		return region
	}
	return fallback
}
