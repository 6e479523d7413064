package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"predictelligence/internal/cfg"
	"predictelligence/internal/engine"
	"predictelligence/internal/metrics"
	"predictelligence/internal/server"
	"predictelligence/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// saveInterval controls how often model state is flushed to disk between
// shutdowns.
const saveInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()
	setupLogging()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	eng := engine.New(c, store, m)
	if !eng.RestoreModel() {
		log.Info().Msg("no usable model state, warming up from historical snapshots")
	}
	eng.Warmup(ctx)
	if err := eng.SaveModel(); err != nil {
		log.Warn().Err(err).Msg("model state save failed")
	}

	startMetricsServer(ctx, c)

	var wg sync.WaitGroup
	startCycleScheduler(ctx, &wg, c, eng)
	startModelSaver(ctx, &wg, eng)

	api := server.New(eng, c.APIPort)
	go func() {
		log.Info().Int("port", c.APIPort).Msg("api server listening")
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown failed")
	}

	wg.Wait()
	if err := eng.SaveModel(); err != nil {
		log.Error().Err(err).Msg("final model state save failed")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging() {
	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond
}

// initializeStorage opens persistence if DATA_PATH is configured.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// startCycleScheduler keeps the online model learning in the background
// by re-running the warm-up scenarios on the configured interval. Each
// background cycle trains exactly like an API-triggered one.
func startCycleScheduler(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, eng *engine.Engine) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.CycleInterval)
		defer ticker.Stop()

		scenarios := engine.BackgroundScenarios()
		i := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				req := scenarios[i%len(scenarios)]
				i++
				res := eng.Analyse(ctx, req)
				if res.Error != "" {
					log.Warn().Str("error", res.Error).Msg("background cycle failed")
				}
			}
		}
	}()
}

// startModelSaver periodically persists model state.
func startModelSaver(ctx context.Context, wg *sync.WaitGroup, eng *engine.Engine) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(saveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := eng.SaveModel(); err != nil {
					log.Warn().Err(err).Msg("periodic model state save failed")
				}
			}
		}
	}()
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		log.Info().Int("port", c.MetricsPort).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()
}
