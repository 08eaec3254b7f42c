// Package session manages conversation sessions and their per-session
// configuration.
package session

import (
	"context"
	"encoding/json"
	"time"
)

const (
	StatusActive   = "active"
	StatusArchived = "archived"

	// EnsureHistoryWindow is how many trailing messages Ensure loads for
	// the init payload.
	EnsureHistoryWindow = 100
)

// Session is one conversation thread owned by a user. Config is an open
// JSON object; keys the server does not understand are preserved verbatim.
type Session struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Config      map[string]any `json:"config"`
	Status      string         `json:"status"`
	SessionName string         `json:"session_name,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	CreatedAt   time.Time      `json:"-"`
	UpdatedAt   time.Time      `json:"-"`
}

// Store is the session persistence contract.
type Store interface {
	Get(ctx context.Context, sessionID string) (Session, bool, error)
	Create(ctx context.Context, sess Session) error
	UpdateConfig(ctx context.Context, sessionID string, config map[string]any) error
	Delete(ctx context.Context, sessionID string) error
}

// DefaultConfig builds the config for freshly created sessions.
func DefaultConfig(model, systemPrompt string) map[string]any {
	return map[string]any{
		"model":         model,
		"temperature":   0.7,
		"max_tokens":    4096,
		"system_prompt": systemPrompt,
		"mode":          "single",
		"rag": map[string]any{
			"collection_name": "japan_shrimp",
			"topk_single":     5,
			"topk_multi":      5,
		},
	}
}

// MergeConfig applies patch onto base, recursing into nested objects so a
// patch touching rag.topk_single leaves rag.collection_name intact. Neither
// input is mutated.
func MergeConfig(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if patchObj, ok := v.(map[string]any); ok {
			if baseObj, ok := merged[k].(map[string]any); ok {
				merged[k] = MergeConfig(baseObj, patchObj)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// ConfigString reads a string key from a session config.
func ConfigString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigFloat reads a numeric key from a session config. JSON round-trips
// deliver numbers as float64.
func ConfigFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

// ConfigInt reads an integer key from a session config.
func ConfigInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func encodeConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeConfig(raw string) map[string]any {
	cfg := map[string]any{}
	if raw == "" {
		return cfg
	}
	// Corrupt stored configs degrade to empty rather than poisoning the turn.
	_ = json.Unmarshal([]byte(raw), &cfg)
	return cfg
}

func cloneConfig(cfg map[string]any) map[string]any {
	// JSON round-trip gives a deep copy and normalizes numeric types the
	// same way a database read would.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	return decodeConfig(string(raw))
}
