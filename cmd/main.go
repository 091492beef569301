package main

import (
	"fmt"
	"os"

	"github.com/kumarabd/gokit/logger"

	"github.com/kumarabd/scrub-worker/internal/config"
	"github.com/kumarabd/scrub-worker/internal/metrics"
	"github.com/kumarabd/scrub-worker/pkg/analysis"
	"github.com/kumarabd/scrub-worker/pkg/controlplane"
	"github.com/kumarabd/scrub-worker/pkg/delivery"
	"github.com/kumarabd/scrub-worker/pkg/pipeline"
	"github.com/kumarabd/scrub-worker/pkg/presidio"
	"github.com/kumarabd/scrub-worker/pkg/server"
	"github.com/kumarabd/scrub-worker/pkg/watcher"
)

// workerStatus adapts the watcher and orchestrator to the status endpoint.
type workerStatus struct {
	watcher      *watcher.Watcher
	orchestrator *pipeline.Orchestrator
	dir          string
}

func (s *workerStatus) WorkerID() string   { return s.watcher.WorkerID() }
func (s *workerStatus) InflightCount() int { return s.orchestrator.InflightCount() }
func (s *workerStatus) WatchDir() string   { return s.dir }

// main is the entry point of the application
func main() {
	// Initialize a new logger with the application name and syslog format
	log, err := logger.New(config.ApplicationName, logger.Options{
		Format: logger.SyslogLogFormat,
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// Initialize a new configuration handler
	configHandler, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(1)
	}

	// Initialize a new metrics handler with the application name
	metricsHandler, err := metrics.New(config.ApplicationName)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// Wire up the pipeline components
	planeClient := controlplane.New(configHandler.ControlPlane, log, metricsHandler)
	presidioClient := presidio.New(configHandler.Presidio, log)
	deliveryEngine := delivery.New(configHandler.Delivery, log, metricsHandler)
	analysisClient := analysis.New(configHandler.Analysis, log)

	orchestrator := pipeline.New(configHandler.Pipeline, log, metricsHandler,
		presidioClient, planeClient, deliveryEngine, analysisClient)

	// Start watching the upload folder
	watchHandler, err := watcher.New(configHandler.Watcher, log, orchestrator, planeClient)
	if err != nil {
		log.Error().Err(err).Msg("watcher initialization failed")
		os.Exit(1)
	}
	if err := watchHandler.Start(); err != nil {
		log.Error().Err(err).Msg("watcher start failed")
		os.Exit(1)
	}
	log.Info().Msg("watcher initialized")

	// Create server instance
	status := &workerStatus{
		watcher:      watchHandler,
		orchestrator: orchestrator,
		dir:          configHandler.Watcher.Dir,
	}
	srv, err := server.New(log, metricsHandler, configHandler.Server, status)
	if err != nil {
		log.Error().Err(err).Msg("server initialization failed")
		os.Exit(1)
	}
	log.Info().Msg("server initialized")

	// Run the server with graceful shutdown
	ch := make(chan struct{})
	srv.Start(ch)
	<-ch
	log.Info().Msg("server stopped")

	// Stop the watcher gracefully
	if err := watchHandler.Stop(); err != nil {
		log.Error().Err(err).Msg("watcher stop failed")
	}
	log.Info().Msg("watcher stopped")
}
