package controlplane

import (
	"context"
	"net/http"
)

// CreateRun creates a processing run and returns its id. Callers tolerate an
// empty id and simply skip later run mutations.
func (c *Client) CreateRun(ctx context.Context, fields RunCreate) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.sendJSON(ctx, http.MethodPost, "/runs", fields, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateRun applies a partial update to a run. Failures are logged by the
// caller and do not abort the pipeline.
func (c *Client) UpdateRun(ctx context.Context, id string, patch RunPatch) error {
	return c.sendJSON(ctx, http.MethodPatch, "/runs/"+id, patch, nil)
}

// auditEvent is the body for appending an audit event.
type auditEvent struct {
	Level     string    `json:"level"`
	RunID     string    `json:"runId,omitempty"`
	EventType string    `json:"eventType"`
	Meta      AuditMeta `json:"meta,omitempty"`
}

// AppendAudit appends an audit event to the control plane, fire-and-forget:
// the POST runs on its own goroutine, failures are swallowed after a local
// log line, and a breaker short-circuits appends while the control plane is
// down. Nothing here ever propagates to the pipeline.
func (c *Client) AppendAudit(runID, eventType, level string, meta AuditMeta) {
	if c.breaker.Open() {
		if c.metric != nil {
			c.metric.IncAuditEvents("skipped")
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()

		event := auditEvent{
			Level:     level,
			RunID:     runID,
			EventType: eventType,
			Meta:      meta,
		}

		if err := c.sendJSON(ctx, http.MethodPost, "/logs", event, nil); err != nil {
			c.breaker.Fail()
			if c.metric != nil {
				c.metric.IncAuditEvents("failed")
			}
			c.log.Debug().Err(err).Str("event_type", eventType).Msg("audit append failed")
			return
		}

		c.breaker.Success()
		if c.metric != nil {
			c.metric.IncAuditEvents("ok")
		}
	}()
}
