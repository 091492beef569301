package presidio

// Anonymization operator names accepted from runtime config.
const (
	OperatorReplace = "replace"
	OperatorRedact  = "redact"
	OperatorHash    = "hash"
)

// Operator is an anonymizer operator entry in the anonymize request.
type Operator struct {
	Type     string `json:"type"`
	HashType string `json:"hash_type,omitempty"`
}

// OperatorConfig builds the anonymizers map for the given operator name. A
// single DEFAULT entry applies uniformly to all detected entity types.
// Unknown operators fall back to replace.
func OperatorConfig(operator string) map[string]Operator {
	switch operator {
	case OperatorRedact:
		return map[string]Operator{"DEFAULT": {Type: OperatorRedact}}
	case OperatorHash:
		return map[string]Operator{"DEFAULT": {Type: OperatorHash, HashType: "sha256"}}
	default:
		return map[string]Operator{"DEFAULT": {Type: OperatorReplace}}
	}
}
