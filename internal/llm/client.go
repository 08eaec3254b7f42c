// Package llm is the single LLM call abstraction used by every pipeline
// stage. One call, optional token callback, usage accounting.
package llm

import (
	"context"
	"time"
)

// Role values for dialogue messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the ordered dialogue sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config is the per-call model configuration.
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Stats reports token usage and wall time for one call. Counts may be
// approximate when the provider omits usage on streamed responses.
type Stats struct {
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// Add folds another call's stats into the receiver.
func (s *Stats) Add(other Stats) {
	s.PromptTokens += other.PromptTokens
	s.CompletionTokens += other.CompletionTokens
	s.Duration += other.Duration
}

// CallOptions control a single call. When Stream is true every non-empty
// token block is delivered to OnChunk synchronously in emission order, and
// the concatenation of all chunks equals the returned text.
type CallOptions struct {
	Config  Config
	Stream  bool
	OnChunk func(chunk string)
}

// Client is the provider abstraction injected into the pipeline.
type Client interface {
	Call(ctx context.Context, messages []Message, opts CallOptions) (string, Stats, error)
}

// BuildMessages assembles the standard prompt layout: system prompt,
// history window, then the current user message.
func BuildMessages(systemPrompt, userMessage string, history []Message) []Message {
	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		messages = append(messages, msg)
	}
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})
	return messages
}
