package controlplane

import (
	"context"

	"github.com/kumarabd/scrub-worker/pkg/delivery"
)

const (
	runtimeConfigCacheKey = "runtime_config"
	targetsCacheKey       = "delivery_targets"
)

// RuntimeConfig is the worker's run-time settings owned by the control plane.
type RuntimeConfig struct {
	MaxFileSizeBytes      int64    `json:"maxFileSizeBytes"`
	DeleteAfterSuccess    bool     `json:"deleteAfterSuccess"`
	DeleteAfterFailure    bool     `json:"deleteAfterFailure"`
	AnonymizationOperator string   `json:"anonymizationOperator"`
	AnalysisURL           string   `json:"analysisServiceUrl"`
	AnalysisAPIKey        string   `json:"analysisServiceApiKey"`
	AnalysisSentiment     bool     `json:"analysisServiceSentimentEnabled"`
	AnalysisToxicity      bool     `json:"analysisServiceToxicityEnabled"`
	AnalysisLanguageCode  string   `json:"analysisServiceLanguageCode"`
	AnalysisModel         string   `json:"analysisServiceModel"`
	AnalysisChannel       string   `json:"analysisServiceChannel"`
	AnalysisTags          []string `json:"analysisServiceTags"`
}

// DefaultRuntimeConfig returns the safe defaults used when the control plane
// is unreachable: modest size limit, no deletion, replace operator, analysis off.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxFileSizeBytes:      10 * 1024 * 1024,
		DeleteAfterSuccess:    false,
		DeleteAfterFailure:    false,
		AnonymizationOperator: "replace",
		AnalysisLanguageCode:  "en",
	}
}

// FetchRuntimeConfig fetches the current runtime settings, serving a cached
// copy while fresh. A fetch failure falls back to safe defaults so a burst of
// file events keeps processing even with the control plane down.
func (c *Client) FetchRuntimeConfig(ctx context.Context) *RuntimeConfig {
	if cached, ok := c.cache.Get(runtimeConfigCacheKey); ok {
		return cached.(*RuntimeConfig)
	}

	var cfg RuntimeConfig
	if err := c.getJSON(ctx, "/config", &cfg); err != nil {
		c.log.Warn().Err(err).Msg("runtime config fetch failed, using defaults")
		return DefaultRuntimeConfig()
	}

	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = DefaultRuntimeConfig().MaxFileSizeBytes
	}
	if cfg.AnonymizationOperator == "" {
		cfg.AnonymizationOperator = "replace"
	}
	if cfg.AnalysisLanguageCode == "" {
		cfg.AnalysisLanguageCode = "en"
	}

	c.cache.SetDefault(runtimeConfigCacheKey, &cfg)
	return &cfg
}

// FetchTargets returns the configured delivery targets filtered to enabled
// ones, in configured order. Fetch failures return an empty list so the
// orchestrator falls through to the legacy target.
func (c *Client) FetchTargets(ctx context.Context) []delivery.Target {
	if cached, ok := c.cache.Get(targetsCacheKey); ok {
		return cached.([]delivery.Target)
	}

	var all []delivery.Target
	if err := c.getJSON(ctx, "/targets", &all); err != nil {
		c.log.Warn().Err(err).Msg("delivery target fetch failed")
		return nil
	}

	enabled := make([]delivery.Target, 0, len(all))
	for _, t := range all {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}

	c.cache.SetDefault(targetsCacheKey, enabled)
	return enabled
}
