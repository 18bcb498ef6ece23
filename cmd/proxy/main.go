package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/channel"
	"github.com/slurmlink/slurmlink/internal/config"
	"github.com/slurmlink/slurmlink/internal/proxy"
	"github.com/slurmlink/slurmlink/internal/proxy/api"
	"github.com/slurmlink/slurmlink/internal/state"
	"github.com/slurmlink/slurmlink/internal/store"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	objects, err := store.NewFilesystem(cfg.StoreRoot)
	if err != nil {
		log.Fatalf("failed to open object store at %s: %v", cfg.StoreRoot, err)
	}
	retrying := store.NewRetrying(objects, 500*time.Millisecond, cfg.StoreRetries)

	tasks, manifest, closer := initTaskStore(cfg)
	if closer != nil {
		defer func() {
			if err := closer(); err != nil {
				log.Printf("error closing task store: %v", err)
			}
		}()
	}

	cacheManager := cache.NewManager(retrying, manifest, cfg.CacheHighWater, proxy.Pinned(tasks))
	ch := channel.NewStoreChannel(retrying, cfg.PollInterval.Std())
	orchestrator := proxy.NewOrchestrator(retrying, ch, cacheManager, tasks)

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go func() {
		if err := orchestrator.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("message loop exited: %v", err)
		}
	}()

	server := api.NewServer(orchestrator)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server.RegisterRoutes(e)

	go func() {
		if err := e.Start(cfg.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	e.Logger.Info("shutting down proxy...")
	orchestrator.Stop()
	cancelLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}

	e.Logger.Info("proxy stopped")
}

// initTaskStore builds the task store and cache manifest backend.
// Postgres backs both so task state and cache bookkeeping survive
// restarts together; the in-memory pair is for development.
func initTaskStore(cfg *config.Config) (state.TaskStore, cache.Manifest, func() error) {
	switch cfg.TaskStore {
	case "postgres":
		pgStore, err := state.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to initialize PostgreSQL store: %v", err)
		}
		log.Println("PostgreSQL store initialized successfully")
		return pgStore, pgStore, pgStore.Close

	case "memory":
		log.Println("using in-memory store (data will not persist)")
		return state.NewInMemoryStore(), cache.NewInMemoryManifest(), nil

	default:
		log.Fatalf("unknown task_store: %s (valid options: memory, postgres)", cfg.TaskStore)
		return nil, nil, nil
	}
}
