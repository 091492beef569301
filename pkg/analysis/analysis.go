package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/kumarabd/scrub-worker/pkg/chatlog"
)

// Endpoint kinds served by the analysis sidecar.
const (
	KindSentiment = "sentiment"
	KindToxicity  = "toxicity"
)

// Config contains configuration for the analysis client.
type Config struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout" default:"15s"`
}

// Params describes one forwarding call. URL and APIKey come from runtime
// config, the rest from the anonymized result.
type Params struct {
	URL            string
	APIKey         string
	ConversationID string
	LanguageCode   string
	Model          string
	Channel        string
	Tags           []string
}

// Client forwards anonymized conversations to the sentiment/toxicity service.
// Every failure here is logged and dropped; analysis never affects a run.
type Client struct {
	config *Config
	log    *logger.Handler
	client *http.Client
}

// New creates a new analysis client.
func New(config *Config, log *logger.Handler) *Client {
	return &Client{
		config: config,
		log:    log,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// message is the outward message shape: role, content and timestamp only.
type message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

type request struct {
	Messages       []message `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`
	LanguageCode   string    `json:"languageCode,omitempty"`
	Model          string    `json:"model,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
}

// Send posts the anonymized messages to the given analysis endpoint kind.
func (c *Client) Send(ctx context.Context, kind string, params Params, messages []chatlog.AnonymizedMessage) error {
	body := request{
		Messages:       make([]message, len(messages)),
		ConversationID: params.ConversationID,
		LanguageCode:   params.LanguageCode,
		Model:          params.Model,
		Channel:        params.Channel,
		Tags:           params.Tags,
	}
	for i, m := range messages {
		body.Messages[i] = message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	url := params.URL + "/api/v1/analysis/" + kind
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", params.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("analysis service unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis service returned status %d for %s", resp.StatusCode, kind)
	}

	return nil
}
