// Run the docforge batch scheduler.
//
// Polls the platform for queued document jobs, leases them and renders
// them through the shared pipeline. Safe to run several of these; the
// platform's lease endpoint keeps them from stepping on each other.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"

	"github.com/canopus-hq/docforge/config"
	"github.com/canopus-hq/docforge/scheduler"
	"github.com/canopus-hq/docforge/setup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := setup.Logger(os.Getenv("DOCFORGE_DEBUG") == "true")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	stack, err := setup.Build(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	metrics.Namespace = "docforge.scheduler"
	metrics.Start("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stack.Scheduler.MeasureQueueDepth(ctx, 5*time.Second)

	// Every minute, check for exhausted jobs whose leases expired long ago
	// and fail them.
	go scheduler.WatchStuckJobs(ctx, stack.Platform.Jobs, 1*time.Minute, 30*time.Minute, uint8(cfg.MaxAttempts), logger)

	if err := stack.Scheduler.Start(); err != nil {
		log.Fatal(err)
	}

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", sig)
	cancel()
	stack.Scheduler.Stop()
	fmt.Println("Scheduler drained. Quitting.")
}
