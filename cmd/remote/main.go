package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/slurmlink/slurmlink/internal/cache"
	"github.com/slurmlink/slurmlink/internal/channel"
	"github.com/slurmlink/slurmlink/internal/config"
	"github.com/slurmlink/slurmlink/internal/remote"
	"github.com/slurmlink/slurmlink/internal/scheduler"
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

	sched := initScheduler(cfg)

	// The remote cache only tracks what this worker has materialized,
	// so an in-memory manifest is enough; objects themselves live in
	// the shared store. Eviction is left to the proxy side.
	cacheManager := cache.NewManager(retrying, cache.NewInMemoryManifest(), 0, nil)
	ch := channel.NewStoreChannel(retrying, cfg.PollInterval.Std())

	worker := remote.NewWorker(ch, retrying, cacheManager, sched, cfg.WorkRoot)
	reconciler := remote.NewReconciler(worker, cfg.ReconcileInterval.Std())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconciler.Run(ctx)

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx)
	}()

	log.Printf("remote worker started (scheduler=%s, store=%s)", cfg.Scheduler, cfg.StoreRoot)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("shutting down remote worker...")
		worker.Stop()
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker exited: %v", err)
		}
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("worker exited: %v", err)
		}
	}

	log.Println("remote worker stopped")
}

func initScheduler(cfg *config.Config) scheduler.Scheduler {
	switch cfg.Scheduler {
	case "slurm":
		return scheduler.NewSlurm()
	case "docker":
		docker, err := scheduler.NewDocker(cfg.DockerImage)
		if err != nil {
			log.Fatalf("failed to initialize docker scheduler: %v", err)
		}
		return docker
	default:
		log.Fatalf("unknown scheduler: %s (valid options: slurm, docker)", cfg.Scheduler)
		return nil
	}
}
