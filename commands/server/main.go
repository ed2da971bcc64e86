// Run the docforge HTTP server.
//
// Serves the interactive render endpoint, job enqueue/status and the ops
// surface. The batch scheduler is embedded and started alongside the
// listener; use POST /v1/scheduler/stop to park it.
package main

import (
	"log"
	"net/http"
	"os"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gorilla/handlers"

	"github.com/canopus-hq/docforge/config"
	"github.com/canopus-hq/docforge/server"
	"github.com/canopus-hq/docforge/setup"
)

func configure() (string, http.Handler, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", nil, err
	}
	logger, err := setup.Logger(os.Getenv("DOCFORGE_DEBUG") == "true")
	if err != nil {
		return "", nil, err
	}
	stack, err := setup.Build(cfg, logger)
	if err != nil {
		return "", nil, err
	}

	metrics.Namespace = "docforge.server"
	metrics.Start("web")

	if err := stack.Scheduler.Start(); err != nil {
		return "", nil, err
	}

	if cfg.ServerPassword == "" {
		logger.Warn("no server password configured, API requests will be rejected")
	}
	server.AddUser(cfg.ServerUser, cfg.ServerPassword)
	h := server.Get(server.DefaultAuthorizer, server.Dependencies{
		Pipeline:   stack.Renderer,
		Jobs:       stack.Platform.Jobs,
		Scheduler:  stack.Scheduler,
		Cache:      stack.Cache,
		Pool:       stack.Pool,
		Logger:     logger,
		HashWindow: cfg.HashRecencyWindow,
	})
	return cfg.ServerAddr, h, nil
}

func main() {
	addr, h, err := configure()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Listening on %s\n", addr)
	log.Fatal(http.ListenAndServe(addr, handlers.LoggingHandler(os.Stdout, h)))
}
