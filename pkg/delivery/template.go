package delivery

import (
	"regexp"

	"github.com/kumarabd/scrub-worker/pkg/chatlog"
)

// templateVar matches a string leaf that is exactly one ${identifier}
// placeholder. Partial matches and anything beyond a bare identifier pass
// through unchanged, so templates cannot grow into an expression language.
var templateVar = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// payloadMessage is the outward shape of an anonymized message: internal id
// and entity counters are stripped.
type payloadMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

func payloadMessages(messages []chatlog.AnonymizedMessage) []payloadMessage {
	out := make([]payloadMessage, len(messages))
	for i, m := range messages {
		out[i] = payloadMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}
	return out
}

// templateVars builds the closed substitution set for body templates.
func templateVars(result *chatlog.Result) map[string]interface{} {
	return map[string]interface{}{
		"messages":         payloadMessages(result.Messages),
		"source_file_hash": result.SourceFileHash,
		"processed_at":     result.ProcessedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"byte_size":        result.ByteSize,
		"metadata":         result.Metadata,
	}
}

// RenderTemplate walks template recursively, substituting string leaves that
// exactly match ${var} against the closed variable set derived from result.
// Unknown variable names are left as the literal string.
func RenderTemplate(template map[string]interface{}, result *chatlog.Result) map[string]interface{} {
	vars := templateVars(result)
	rendered := renderNode(template, vars)
	out, ok := rendered.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return out
}

func renderNode(node interface{}, vars map[string]interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			out[key] = renderNode(child, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = renderNode(child, vars)
		}
		return out
	case string:
		if m := templateVar.FindStringSubmatch(v); m != nil {
			if value, ok := vars[m[1]]; ok {
				return value
			}
		}
		return v
	default:
		return v
	}
}
