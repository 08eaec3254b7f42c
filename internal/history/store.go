// Package history persists and retrieves per-session chat messages and
// formats them for LLM prompts.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
)

// DefaultWindow is the history window used when the caller passes limit<=0.
const DefaultWindow = 20

// ChatMessage is one persisted utterance.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Status    *string   `json:"status,omitempty"`
	MessageID string    `json:"message_id"`
	ToolCalls *string   `json:"tool_calls,omitempty"`
	MetaData  *string   `json:"meta_data,omitempty"`
	Timestamp time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// AppendParams are the caller-supplied fields of a new row. Timestamp is
// assigned by the store; MessageID is generated when empty.
type AppendParams struct {
	SessionID string
	Role      string
	Content   string
	Type      string
	MessageID string
	Meta      map[string]any
}

// Store is the chat history persistence contract. Appends are durable
// before return and serialized per session; Recent never errors on unknown
// sessions (it returns an empty slice).
type Store interface {
	Append(ctx context.Context, params AppendParams) (ChatMessage, error)
	Recent(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
	Clear(ctx context.Context, sessionID string) (int64, error)
}

// FormatForLLM strips storage metadata and maps rows 1:1 onto dialogue
// messages, preserving order. Empty rows are skipped.
func FormatForLLM(messages []ChatMessage) []llm.Message {
	formatted := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" || msg.Role == "" {
			continue
		}
		formatted = append(formatted, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return formatted
}

// Wire converts a row to the client-facing shape used in init payloads.
// meta_data is surfaced as a decoded object so clients never parse twice.
func (m ChatMessage) Wire() map[string]any {
	meta := map[string]any{}
	if m.MetaData != nil && *m.MetaData != "" {
		// Undecodable blobs degrade to an empty object.
		_ = json.Unmarshal([]byte(*m.MetaData), &meta)
	}
	return map[string]any{
		"id":         m.ID,
		"session_id": m.SessionID,
		"role":       m.Role,
		"content":    m.Content,
		"type":       m.Type,
		"message_id": m.MessageID,
		"timestamp":  m.Timestamp.Unix(),
		"meta_data":  meta,
	}
}

// EncodeMeta serializes an append's meta map, returning nil for empty maps.
func EncodeMeta(meta map[string]any) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}
