package chatlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Role values accepted for a chat message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single entry in an uploaded chat log.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatLog is the parsed form of an uploaded chat-log file. It is transient:
// raw content is never persisted anywhere.
type ChatLog struct {
	Version  string                 `json:"version,omitempty"`
	Messages []Message              `json:"messages"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AnonymizedMessage is a message after PII removal. EntitiesFound counts the
// detected entities in the original content.
type AnonymizedMessage struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	Timestamp     string `json:"timestamp,omitempty"`
	EntitiesFound int    `json:"entities_found"`
}

// Result is the outbound anonymization result for one file. SourceFileHash is
// the hex SHA-256 of the original file name, never of the content.
type Result struct {
	SourceFileHash string                 `json:"source_file_hash"`
	ByteSize       int64                  `json:"byte_size"`
	ProcessedAt    time.Time              `json:"processed_at"`
	Messages       []AnonymizedMessage    `json:"messages"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ValidationError describes why a chat log failed schema validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat log validation failed: %s", e.Reason)
}

// rawChatLog mirrors ChatLog with pointer fields so required keys can be told
// apart from empty values during validation.
type rawChatLog struct {
	Version  string                 `json:"version"`
	Messages *[]rawMessage          `json:"messages"`
	Metadata map[string]interface{} `json:"metadata"`
}

type rawMessage struct {
	ID        *string `json:"id"`
	Role      *string `json:"role"`
	Content   *string `json:"content"`
	Timestamp string  `json:"timestamp"`
}

// Parse decodes data as a chat log and validates it against the strict schema:
// messages must be present, every message requires id, role and content, and
// role must be user, assistant or system. Message content is normalized to
// NFC form so downstream entity detection sees canonical text.
func Parse(data []byte) (*ChatLog, error) {
	var raw rawChatLog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Reason: "not valid JSON"}
	}

	if raw.Messages == nil {
		return nil, &ValidationError{Reason: "missing messages array"}
	}

	log := &ChatLog{
		Version:  raw.Version,
		Messages: make([]Message, 0, len(*raw.Messages)),
		Metadata: raw.Metadata,
	}

	for i, m := range *raw.Messages {
		if m.ID == nil || *m.ID == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("message %d: missing id", i)}
		}
		if m.Role == nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("message %d: missing role", i)}
		}
		switch *m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return nil, &ValidationError{Reason: fmt.Sprintf("message %d: invalid role", i)}
		}
		if m.Content == nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("message %d: missing content", i)}
		}

		log.Messages = append(log.Messages, Message{
			ID:        *m.ID,
			Role:      *m.Role,
			Content:   norm.NFC.String(*m.Content),
			Timestamp: m.Timestamp,
		})
	}

	return log, nil
}

// FileHash returns "sha256:<hex>" over the base name of path. The raw file
// name never leaves the process; this is the only identifier persisted.
func FileHash(path string) string {
	return "sha256:" + HexHash(path)
}

// HexHash returns the bare hex SHA-256 digest of the base name of path.
func HexHash(path string) string {
	sum := sha256.Sum256([]byte(filepath.Base(path)))
	return hex.EncodeToString(sum[:])
}
