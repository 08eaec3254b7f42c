// Package expert consults the external aquaculture expert system over its
// SSE streaming endpoint.
package expert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
)

// AgentType is the expert-side agent every consultation targets.
const AgentType = "japan"

// ErrNotConfigured is returned when consultation is skipped without any
// network I/O: disabled by config, missing base URL, or empty session id.
var ErrNotConfigured = errors.New("expert consultation not configured")

// Result is the outcome of one consultation. Answer is the full
// concatenation of streamed content in receive order.
type Result struct {
	Success    bool
	Answer     string
	Confidence float64
	Sources    []string
	Metadata   map[string]any
	Error      string
}

// Request is one consultation request.
type Request struct {
	Query     string
	SessionID string
	Config    map[string]any // session config forwarded verbatim
	OnChunk   func(string)   // optional, called per content fragment
}

// Client streams answers from the expert system. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	enabled bool
	http    *http.Client
	logger  *logger.Logger
}

// NewClient builds an expert client. An empty baseURL or enabled=false makes
// every Consult return ErrNotConfigured without touching the network.
func NewClient(baseURL, apiKey string, timeout time.Duration, enabled bool, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		enabled: enabled,
		http:    &http.Client{},
		logger:  log.WithComponent("expert"),
	}
}

// sseEvent is one decoded data frame from the expert stream.
type sseEvent struct {
	Content    string         `json:"content"`
	Done       bool           `json:"done"`
	Error      string         `json:"error"`
	Confidence float64        `json:"confidence"`
	Sources    []string       `json:"sources"`
	Metadata   map[string]any `json:"metadata"`
}

// Consult performs one streaming consultation. The overall deadline covers
// connection plus the full stream; on any failure the caller falls back to
// answering without expert input.
func (c *Client) Consult(ctx context.Context, req Request) (Result, error) {
	if !c.enabled || c.baseURL == "" || req.SessionID == "" {
		return Result{Success: false, Error: "not_configured"}, ErrNotConfigured
	}

	log := c.logger.With(slog.String("session_id", req.SessionID))
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Warn("expert stream connection failed", slog.String("error", err.Error()))
		return Result{Success: false, Error: err.Error()}, fmt.Errorf("expert stream connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("expert stream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		log.Warn("expert stream rejected request",
			slog.Int("status", resp.StatusCode))
		return Result{Success: false, Error: err.Error()}, err
	}

	result, err := c.readStream(ctx, resp.Body, req.OnChunk, log)
	if err != nil {
		return result, err
	}

	log.Info("expert consultation completed",
		slog.Int("answer_length", len(result.Answer)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	endpoint := c.baseURL + "/sse/stream_qa"

	params := url.Values{}
	params.Set("query", req.Query)
	params.Set("agent_type", AgentType)
	params.Set("session_id", req.SessionID)
	if len(req.Config) > 0 {
		rawConfig, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode expert config: %w", err)
		}
		params.Set("config", string(rawConfig))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build expert request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// readStream consumes SSE lines until a done frame, stream error, or EOF.
// data frames carry JSON; non-JSON payloads are treated as raw content so
// older expert deployments keep working.
func (c *Client) readStream(ctx context.Context, body io.Reader, onChunk func(string), log *slog.Logger) (Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	result := Result{}
	var answer strings.Builder

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			result.Answer = answer.String()
			result.Error = "canceled"
			return result, err
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			log.Debug("expert stream event", slog.String("event", strings.TrimPrefix(line, "event: ")))
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		var event sseEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			// Raw text frame.
			answer.WriteString(payload)
			if onChunk != nil {
				onChunk(payload)
			}
			continue
		}

		if event.Error != "" {
			result.Answer = answer.String()
			result.Error = event.Error
			log.Warn("expert stream reported error", slog.String("error", event.Error))
			return result, fmt.Errorf("expert stream reported error: %s", event.Error)
		}
		if event.Content != "" {
			answer.WriteString(event.Content)
			if onChunk != nil {
				onChunk(event.Content)
			}
		}
		if event.Confidence > 0 {
			result.Confidence = event.Confidence
		}
		if len(event.Sources) > 0 {
			result.Sources = event.Sources
		}
		if len(event.Metadata) > 0 {
			result.Metadata = event.Metadata
		}
		if event.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		result.Answer = answer.String()
		result.Error = err.Error()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("expert stream read failed: %w", err)
	}

	result.Answer = answer.String()
	result.Success = result.Answer != ""
	if !result.Success {
		result.Error = "empty_answer"
	}
	return result, nil
}
