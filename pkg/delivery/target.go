package delivery

import "time"

// AuthKind discriminates the delivery target auth union.
type AuthKind string

const (
	AuthNone         AuthKind = "none"
	AuthBearerToken  AuthKind = "bearerToken"
	AuthAPIKeyHeader AuthKind = "apiKeyHeader"
	AuthBasic        AuthKind = "basic"
)

// Auth is the tagged auth union of a delivery target. Only the fields for the
// active Kind are populated.
type Auth struct {
	Kind     AuthKind `json:"type"`
	Token    string   `json:"token,omitempty"`
	Header   string   `json:"header,omitempty"`
	Key      string   `json:"key,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// Target is a configured HTTP destination for anonymized results.
type Target struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	URL          string                 `json:"url"`
	Method       string                 `json:"method"`
	Headers      map[string]string      `json:"headers,omitempty"`
	Auth         Auth                   `json:"auth"`
	TimeoutMs    int                    `json:"timeoutMs"`
	Retries      int                    `json:"retries"`
	BackoffMs    int                    `json:"backoffMs"`
	Enabled      bool                   `json:"enabled"`
	BodyTemplate map[string]interface{} `json:"bodyTemplate,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// LegacyTarget builds a single fallback target from environment-level URL and
// a full Authorization header value. Used only when no enabled targets exist.
func LegacyTarget(url, authHeader string) Target {
	headers := map[string]string{}
	if authHeader != "" {
		headers["Authorization"] = authHeader
	}
	return Target{
		Name:    "legacy-webhook",
		URL:     url,
		Method:  "POST",
		Headers: headers,
		Auth:    Auth{Kind: AuthNone},
		Enabled: true,
	}
}
