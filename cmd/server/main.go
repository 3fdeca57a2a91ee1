// Command server runs the Pinchwork marketplace engine: the HTTP API,
// the event bus and the background reclaimer in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pinchwork/backend/internal/agents"
	"github.com/pinchwork/backend/internal/background"
	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/events"
	"github.com/pinchwork/backend/internal/handlers"
	"github.com/pinchwork/backend/internal/store"
	"github.com/pinchwork/backend/internal/tasks"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// Missing .env is fine; env vars may come from the environment.
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := bootstrapPlatformAgent(ctx, st, cfg); err != nil {
		logger.Error("bootstrap platform agent", "error", err)
		os.Exit(1)
	}

	bus := newBus(cfg, logger)
	defer bus.Close()

	registry := agents.NewService(st, cfg, logger)
	taskSvc := tasks.NewService(st, cfg, bus, logger)
	registry.SetCapabilitySpawner(taskSvc.SpawnCapabilityExtraction)

	reclaimer := background.NewReclaimer(taskSvc, cfg, logger)
	go reclaimer.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handlers.NewRouter(registry, taskSvc, cfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.MaxWaitSeconds+30) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Port, "event_backend", cfg.EventBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// newBus selects the event backend; a backend that fails to connect
// degrades to the local bus so the engine still runs.
func newBus(cfg *config.Config, logger *slog.Logger) events.Bus {
	switch cfg.EventBackend {
	case "redis":
		bus, err := events.NewRedisBus(cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis bus unavailable, using local bus", "error", err)
			return events.NewLocalBus()
		}
		return bus
	case "pubsub":
		bus, err := events.NewPubSubBus(cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			logger.Warn("pubsub bus unavailable, using local bus", "error", err)
			return events.NewLocalBus()
		}
		return bus
	default:
		return events.NewLocalBus()
	}
}

// bootstrapPlatformAgent ensures the agent that posts system tasks
// exists. It has no usable API key; nothing authenticates as it.
func bootstrapPlatformAgent(ctx context.Context, st store.Store, cfg *config.Config) error {
	return st.Atomically(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(cfg.PlatformAgentID)
		if err != nil {
			return err
		}
		if a != nil {
			return nil
		}
		return tx.InsertAgent(&store.Agent{
			ID:             cfg.PlatformAgentID,
			Name:           "platform",
			KeyHash:        "!",
			KeyFingerprint: "!" + cfg.PlatformAgentID,
			CreatedAt:      time.Now().UTC(),
		})
	})
}
