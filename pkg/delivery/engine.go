package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/scrub-worker/internal/metrics"
	"github.com/kumarabd/scrub-worker/pkg/chatlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config contains configuration for the delivery engine.
type Config struct {
	// HostAlias replaces loopback hosts in target URLs. Inside a container a
	// loopback address points at the container itself, not the host service.
	HostAlias string `json:"host_alias" yaml:"host_alias" default:"host.docker.internal"`

	// Legacy single-target fallback, used only when no enabled targets exist.
	LegacyURL        string `json:"legacy_url" yaml:"legacy_url" default:""`
	LegacyAuthHeader string `json:"legacy_auth_header" yaml:"legacy_auth_header" default:""`

	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout" default:"30s"`
}

// Engine performs HTTP delivery of anonymization results to configured targets.
type Engine struct {
	config *Config
	log    *logger.Handler
	metric *metrics.Handler
	tracer trace.Tracer
}

// New creates a new delivery engine.
func New(config *Config, log *logger.Handler, metric *metrics.Handler) *Engine {
	return &Engine{
		config: config,
		log:    log,
		metric: metric,
		tracer: otel.Tracer("scrub-worker/delivery"),
	}
}

// HasLegacyTarget reports whether an environment-level fallback target is configured.
func (e *Engine) HasLegacyTarget() bool {
	return e.config.LegacyURL != ""
}

// LegacyTarget returns the environment-level fallback target.
func (e *Engine) LegacyTarget() Target {
	return LegacyTarget(e.config.LegacyURL, e.config.LegacyAuthHeader)
}

// Deliver sends result to target and returns the HTTP status code. Transport
// failures are retried up to the target's retry budget with a fixed backoff;
// any final failure comes back as a classified *Error.
func (e *Engine) Deliver(ctx context.Context, target Target, result *chatlog.Result) (int, error) {
	ctx, span := e.tracer.Start(ctx, "delivery.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("target.name", target.Name),
		attribute.String("target.method", target.Method),
	)

	body, err := e.buildBody(target, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, &Error{Code: CodeGeneric, SafeMessage: "failed to encode delivery payload"}
	}

	timeout := e.config.DefaultTimeout
	if target.TimeoutMs > 0 {
		timeout = time.Duration(target.TimeoutMs) * time.Millisecond
	}
	client := &http.Client{Timeout: timeout}

	attempts := target.Retries + 1
	backoff := time.Duration(target.BackoffMs) * time.Millisecond

	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, classifyTransportError(ctx.Err(), target.URL)
			}
		}

		status, dErr := e.attempt(ctx, client, target, body)
		if dErr == nil {
			span.SetAttributes(attribute.Int("delivery.status", status))
			return status, nil
		}
		lastErr = dErr

		// HTTP-status failures are final; only transport failures retry.
		if dErr.Status != 0 {
			break
		}
		e.log.Warn().
			Str("target", target.Name).
			Str("code", dErr.Code).
			Int("attempt", attempt+1).
			Msg("delivery attempt failed")
		if e.metric != nil {
			e.metric.IncDeliveryRetries(target.Name)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Code)
	return lastErr.Status, lastErr
}

// attempt performs a single delivery call.
func (e *Engine) attempt(ctx context.Context, client *http.Client, target Target, body []byte) (int, *Error) {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}

	// GET requests never carry a body.
	var reader io.Reader
	if method != http.MethodGet && body != nil {
		reader = bytes.NewReader(body)
	}

	targetURL := RewriteLoopback(target.URL, e.config.HostAlias)

	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return 0, &Error{Code: CodeGeneric, SafeMessage: "failed to build delivery request"}
	}

	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if dErr := applyAuth(req, target.Auth); dErr != nil {
		return 0, dErr
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, classifyTransportError(err, target.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxSafeMessageLen))
		return 0, &Error{
			Code:        CodeGeneric,
			SafeMessage: fmt.Sprintf("target returned status %d: %s", resp.StatusCode, truncate(string(preview), maxSafeMessageLen)),
			Status:      resp.StatusCode,
		}
	}

	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// buildBody renders the target's body template if present, otherwise the full
// serialized result.
func (e *Engine) buildBody(target Target, result *chatlog.Result) ([]byte, error) {
	if target.Method == http.MethodGet {
		return nil, nil
	}
	if target.BodyTemplate != nil {
		return json.Marshal(RenderTemplate(target.BodyTemplate, result))
	}
	return json.Marshal(result)
}

// applyAuth sets the auth headers for the target's auth kind. The switch is
// exhaustive over AuthKind; an unrecognized kind is a hard error so a new
// variant cannot be added without updating this builder.
func applyAuth(req *http.Request, auth Auth) *Error {
	switch auth.Kind {
	case AuthNone, "":
		return nil
	case AuthBearerToken:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
		return nil
	case AuthAPIKeyHeader:
		req.Header.Set(auth.Header, auth.Key)
		return nil
	case AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+cred)
		return nil
	default:
		return &Error{Code: CodeGeneric, SafeMessage: "unsupported auth kind"}
	}
}

// RewriteLoopback replaces a loopback host in rawURL with hostAlias. Applies
// uniformly to test calls and real deliveries. Non-loopback URLs pass through
// unchanged.
func RewriteLoopback(rawURL, hostAlias string) string {
	if hostAlias == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		if port := u.Port(); port != "" {
			u.Host = hostAlias + ":" + port
		} else {
			u.Host = hostAlias
		}
		return u.String()
	}
	return rawURL
}
