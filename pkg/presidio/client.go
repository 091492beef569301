package presidio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kumarabd/gokit/logger"
)

// Config contains configuration for the entity-detection client.
type Config struct {
	AnalyzerURL   string        `json:"analyzer_url" yaml:"analyzer_url" default:"http://localhost:5002"`
	AnonymizerURL string        `json:"anonymizer_url" yaml:"anonymizer_url" default:"http://localhost:5001"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" default:"30s"`
}

// Finding is one detected PII span returned by the analyzer.
type Finding struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// AnalyzerError is returned when the analyzer responds with a non-success status.
type AnalyzerError struct {
	Status int
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer returned status %d", e.Status)
}

// AnonymizerError is returned when the anonymizer responds with a non-success status.
type AnonymizerError struct {
	Status int
}

func (e *AnonymizerError) Error() string {
	return fmt.Sprintf("anonymizer returned status %d", e.Status)
}

// Client wraps the analyze and anonymize calls of the PII-removal service.
type Client struct {
	config *Config
	log    *logger.Handler
	client *http.Client
}

// New creates a new entity-detection client.
func New(config *Config, log *logger.Handler) *Client {
	return &Client{
		config: config,
		log:    log,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	Entities       []string `json:"entities,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
}

// Analyze scans text for PII entities and returns the detected findings.
func (c *Client) Analyze(ctx context.Context, text, language string, entities []string, scoreThreshold float64) ([]Finding, error) {
	body := analyzeRequest{
		Text:           text,
		Language:       language,
		Entities:       entities,
		ScoreThreshold: scoreThreshold,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.AnalyzerURL+"/analyze", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &AnalyzerError{Status: resp.StatusCode}
	}

	var findings []Finding
	if err := json.NewDecoder(resp.Body).Decode(&findings); err != nil {
		return nil, fmt.Errorf("failed to decode analyzer response: %w", err)
	}

	return findings, nil
}

type anonymizeRequest struct {
	Text            string              `json:"text"`
	AnalyzerResults []Finding           `json:"analyzer_results"`
	Anonymizers     map[string]Operator `json:"anonymizers"`
}

type anonymizeResponse struct {
	Text string `json:"text"`
}

// Anonymize replaces the detected findings in text according to operator and
// returns the anonymized text.
func (c *Client) Anonymize(ctx context.Context, text string, findings []Finding, operator string) (string, error) {
	body := anonymizeRequest{
		Text:            text,
		AnalyzerResults: findings,
		Anonymizers:     OperatorConfig(operator),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal anonymize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.AnonymizerURL+"/anonymize", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create anonymize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anonymizer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", &AnonymizerError{Status: resp.StatusCode}
	}

	var out anonymizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode anonymizer response: %w", err)
	}

	return out.Text, nil
}
