package config

import (
	"fmt"
	"time"

	config_pkg "github.com/kumarabd/gokit/config"

	"github.com/kumarabd/scrub-worker/internal/metrics"
	"github.com/kumarabd/scrub-worker/pkg/analysis"
	"github.com/kumarabd/scrub-worker/pkg/controlplane"
	"github.com/kumarabd/scrub-worker/pkg/delivery"
	"github.com/kumarabd/scrub-worker/pkg/pipeline"
	"github.com/kumarabd/scrub-worker/pkg/presidio"
	"github.com/kumarabd/scrub-worker/pkg/server"
	"github.com/kumarabd/scrub-worker/pkg/watcher"
)

var (
	ApplicationName    = "scrub-worker"
	ApplicationVersion = "dev"
)

type Config struct {
	Server       *server.Config       `json:"server,omitempty" yaml:"server,omitempty"`
	Watcher      *watcher.Config      `json:"watcher" yaml:"watcher"`
	Pipeline     *pipeline.Config     `json:"pipeline" yaml:"pipeline"`
	Presidio     *presidio.Config     `json:"presidio" yaml:"presidio"`
	ControlPlane *controlplane.Config `json:"control_plane" yaml:"control_plane"`
	Delivery     *delivery.Config     `json:"delivery" yaml:"delivery"`
	Analysis     *analysis.Config     `json:"analysis" yaml:"analysis"`
	Metrics      *metrics.Options     `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// New creates a new config instance
func New() (*Config, error) {
	// Create default config object
	configObject := &Config{
		Server: &server.Config{
			HTTP: &server.HTTPConfig{
				Host:         "0.0.0.0",
				Port:         "8080",
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		},
		Watcher: &watcher.Config{
			Dir:               "/data/uploads",
			SettleDelay:       500 * time.Millisecond,
			HeartbeatInterval: 60 * time.Second,
		},
		Pipeline: &pipeline.Config{
			AcceptedExtensions: []string{".json"},
		},
		Presidio: &presidio.Config{
			AnalyzerURL:   "http://localhost:5002",
			AnonymizerURL: "http://localhost:5001",
			Timeout:       30 * time.Second,
		},
		ControlPlane: &controlplane.Config{
			BaseURL:  "http://localhost:3001/api",
			Timeout:  10 * time.Second,
			CacheTTL: 15 * time.Second,
		},
		Delivery: &delivery.Config{
			HostAlias:      "host.docker.internal",
			DefaultTimeout: 30 * time.Second,
		},
		Analysis: &analysis.Config{
			Timeout: 15 * time.Second,
		},
		Metrics: &metrics.Options{},
	}

	// Load config using gokit config package
	finalConfig, err := config_pkg.New(configObject)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Safe type assertion
	if finalConfig == nil {
		return nil, fmt.Errorf("config is nil")
	}

	cfg, ok := finalConfig.(*Config)
	if !ok {
		return nil, fmt.Errorf("config type assertion failed: expected *Config, got %T", finalConfig)
	}

	return cfg, nil
}
