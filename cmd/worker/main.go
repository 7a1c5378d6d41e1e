package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/quantflow/internal/ai"
	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/coord"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/engine"
	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/market"
	"github.com/quantflow/quantflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting QuantFlow agent worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	var publisher engine.Publisher
	if cfg.NATS.Enabled {
		pub, err := events.NewPublisher(events.Config{URL: cfg.NATS.URL})
		if err != nil {
			// Events are best effort; the worker trades without them
			log.Warn().Err(err).Msg("NATS unavailable, events disabled")
		} else {
			publisher = pub
			defer pub.Close()
		}
	}

	instanceID := worker.NewInstanceID()
	manager := worker.NewManager(
		cfg,
		store,
		coord.NewLocker(redisClient),
		coord.NewOwnership(redisClient, instanceID),
		publisher,
		ai.NewFactory(cfg.AI),
		market.NewKlineCache(redisClient, 0),
		nil,
	)

	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort)

	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker manager")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server shutdown failed")
	}

	log.Info().Msg("Worker shutdown complete")
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	worker.RegisterMetricsHandlers(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Int("port", port).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
