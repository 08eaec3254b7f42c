package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint
// (OpenRouter in the default deployment). Safe for concurrent use.
type OpenAIClient struct {
	client  *openai.Client
	logger  *logger.Logger
	timeout time.Duration
}

// NewOpenAIClient builds a client against the given base URL and key.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		logger:  log,
		timeout: timeout,
	}
}

// Call performs one chat completion. With opts.Stream set, every non-empty
// delta is handed to opts.OnChunk in arrival order before Call returns; the
// returned text is the concatenation of all chunks.
func (c *OpenAIClient) Call(ctx context.Context, messages []Message, opts CallOptions) (string, Stats, error) {
	log := c.logger.WithComponent("llm")
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       opts.Config.Model,
		Temperature: opts.Config.Temperature,
		Messages:    toOpenAIMessages(messages),
	}
	if opts.Config.MaxTokens > 0 {
		req.MaxTokens = opts.Config.MaxTokens
	}

	if opts.Stream && opts.OnChunk != nil {
		return c.callStreaming(ctx, req, opts.OnChunk, start, log)
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Error("chat completion failed",
			slog.String("model", req.Model),
			slog.String("error", err.Error()))
		return "", Stats{Duration: time.Since(start)}, classifyError(ctx, err)
	}

	stats := Stats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Duration:         time.Since(start),
	}

	if len(resp.Choices) == 0 {
		return "", stats, nil
	}
	return resp.Choices[0].Message.Content, stats, nil
}

func (c *OpenAIClient) callStreaming(
	ctx context.Context,
	req openai.ChatCompletionRequest,
	onChunk func(string),
	start time.Time,
	log *logger.Logger,
) (string, Stats, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		log.Error("chat completion stream failed to open",
			slog.String("model", req.Model),
			slog.String("error", err.Error()))
		return "", Stats{Duration: time.Since(start)}, classifyError(ctx, err)
	}
	defer stream.Close()

	var full strings.Builder
	stats := Stats{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.Duration = time.Since(start)
			// Partial text already emitted stays valid on cancellation.
			if classified := classifyError(ctx, err); errors.Is(classified, ErrCanceled) {
				return full.String(), stats, ErrCanceled
			} else {
				log.Error("chat completion stream broke mid-read",
					slog.String("model", req.Model),
					slog.String("error", err.Error()))
				return full.String(), stats, classified
			}
		}

		if resp.Usage != nil {
			stats.PromptTokens = resp.Usage.PromptTokens
			stats.CompletionTokens = resp.Usage.CompletionTokens
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			onChunk(delta)
		}
	}

	stats.Duration = time.Since(start)
	return full.String(), stats, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return out
}
