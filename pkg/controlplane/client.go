package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kumarabd/gokit/logger"
	cache_pkg "github.com/patrickmn/go-cache"

	"github.com/kumarabd/scrub-worker/internal/metrics"
)

// Config contains configuration for the control-plane client.
type Config struct {
	BaseURL  string        `json:"base_url" yaml:"base_url" default:"http://localhost:3001/api"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" default:"10s"`
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" default:"15s"`
}

// Client talks to the control-plane API: runtime config, delivery targets,
// processing runs and the audit log.
type Client struct {
	config  *Config
	log     *logger.Handler
	metric  *metrics.Handler
	client  *http.Client
	cache   *cache_pkg.Cache
	breaker *Breaker
}

// New creates a new control-plane client.
func New(config *Config, log *logger.Handler, metric *metrics.Handler) *Client {
	return &Client{
		config:  config,
		log:     log,
		metric:  metric,
		client:  &http.Client{Timeout: config.Timeout},
		cache:   cache_pkg.New(config.CacheTTL, 2*config.CacheTTL),
		breaker: NewBreaker(5, 30*time.Second),
	}
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("control plane returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}

// sendJSON performs a request with a JSON body and optionally decodes the response.
func (c *Client) sendJSON(ctx context.Context, method, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("control plane returned status %d for %s", resp.StatusCode, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response for %s: %w", path, err)
		}
	}
	return nil
}
