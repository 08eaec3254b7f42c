// Package pipeline runs the per-turn conversation pipeline: history load,
// persistence, context enrichment, intent, rewrite, routing, optional expert
// consultation, and streamed synthesis.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hefeijay/japan-aquaculture-project/internal/config"
	"github.com/hefeijay/japan-aquaculture-project/internal/expert"
	"github.com/hefeijay/japan-aquaculture-project/internal/history"
	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	"github.com/hefeijay/japan-aquaculture-project/internal/metrics"
	"github.com/hefeijay/japan-aquaculture-project/internal/protocol"
	"github.com/hefeijay/japan-aquaculture-project/internal/session"
)

const apologyText = "抱歉，系统暂时无法生成回复，请稍后再试。"

// ExpertConsultant is the upstream expert capability. Nil disables it.
type ExpertConsultant interface {
	Consult(ctx context.Context, req expert.Request) (expert.Result, error)
}

// WeatherProvider enriches a turn with weather context. Nil disables it.
type WeatherProvider interface {
	MaybeGetContext(ctx context.Context, query string) string
}

// SearchProvider enriches a turn with web search results. Nil disables it.
type SearchProvider interface {
	MaybeGetContext(ctx context.Context, query string) string
}

// EmitFunc delivers one outbound frame to the client. A returned error
// aborts the turn; the connection owner handles teardown.
type EmitFunc func(protocol.Frame) error

// Options are the orchestrator-level knobs taken from the config snapshot.
type Options struct {
	HistoryWindow  int
	StorageTimeout time.Duration
	StreamPolicy   config.ExpertStreamPolicy
	DeviceExpert   bool
	Model          string
	Temperature    float32
	MaxTokens      int
}

// TurnRequest is one user message with its connection-assigned identity. The
// server allocates UserMessageID and UserTimestamp when it echoes the
// message; the orchestrator persists the user row under the same identity.
type TurnRequest struct {
	SessionID     string
	UserID        string
	Content       string
	Context       map[string]any
	UserMessageID string
	UserTimestamp int64
	SessionConfig map[string]any
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	AssistantMessageID string
	Answer             string
	Intent             string
	Route              RouteDecision
	ExpertConsulted    bool
	Stats              llm.Stats
}

// Orchestrator drives one turn at a time. Safe for concurrent use across
// connections; within a connection the server serializes turns.
type Orchestrator struct {
	llm     llm.Client
	expert  ExpertConsultant
	weather WeatherProvider
	search  SearchProvider
	history history.Store
	prompts Prompts
	opts    Options
	logger  *logger.Logger
}

// New builds an orchestrator. expert, weather, and search may be nil.
func New(client llm.Client, consultant ExpertConsultant, weather WeatherProvider, searcher SearchProvider, hist history.Store, prompts Prompts, opts Options, log *logger.Logger) *Orchestrator {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = history.DefaultWindow
	}
	if opts.StreamPolicy == "" {
		opts.StreamPolicy = config.ExpertPolicySynthesize
	}
	return &Orchestrator{
		llm:     client,
		expert:  consultant,
		weather: weather,
		search:  searcher,
		history: hist,
		prompts: prompts,
		opts:    opts,
		logger:  log.WithComponent("pipeline"),
	}
}

// storageCtx bounds one store call. Zero timeout means the bare turn context.
func (o *Orchestrator) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.StorageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.opts.StorageTimeout)
}

// llmConfig resolves the per-call model config from the session config with
// orchestrator defaults as fallback.
func (o *Orchestrator) llmConfig(req TurnRequest) llm.Config {
	return llm.Config{
		Model:       session.ConfigString(req.SessionConfig, "model", o.opts.Model),
		Temperature: float32(session.ConfigFloat(req.SessionConfig, "temperature", float64(o.opts.Temperature))),
		MaxTokens:   session.ConfigInt(req.SessionConfig, "max_tokens", o.opts.MaxTokens),
	}
}

// Run executes one turn. Frames are delivered through emit in order:
// optional error frames, stream_chunk frames from a single active producer,
// then done. The user echo frame is the server's job and has already been
// sent. On cancellation Run returns llm.ErrCanceled and emits nothing
// further.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, emit EmitFunc) (TurnResult, error) {
	// Callers annotate ctx with the session/user/message IDs; WithContext
	// stamps them on every line of the turn.
	log := o.logger.WithContext(ctx)

	result := TurnResult{
		AssistantMessageID: uuid.New().String(),
		Route:              defaultRoute("not routed"),
	}
	assistantTS := time.Now().Unix()
	cfg := o.llmConfig(req)

	// LOAD_HISTORY: a storage failure (including a hung store hitting the
	// op deadline) degrades the turn to empty history after surfacing an
	// error frame; it never drops the turn.
	start := time.Now()
	loadCtx, cancelLoad := o.storageCtx(ctx)
	rows, err := o.history.Recent(loadCtx, req.SessionID, o.opts.HistoryWindow)
	cancelLoad()
	metrics.ObserveStage("load_history", time.Since(start))
	if err != nil {
		if canceled(ctx, err) {
			return o.canceled(result)
		}
		log.Error("history load failed, continuing with empty history", slog.String("error", err.Error()))
		if err := emit(protocol.Error(protocol.CodeStorage, "chat history is temporarily unavailable")); err != nil {
			return result, err
		}
		rows = nil
	}
	hist := history.FormatForLLM(rows)

	// PERSIST_USER: failure here is the only pre-stream hard stop.
	start = time.Now()
	persistCtx, cancelPersist := o.storageCtx(ctx)
	_, err = o.history.Append(persistCtx, history.AppendParams{
		SessionID: req.SessionID,
		Role:      llm.RoleUser,
		Content:   req.Content,
		Type:      "text",
		MessageID: req.UserMessageID,
	})
	cancelPersist()
	metrics.ObserveStage("persist_user", time.Since(start))
	if err != nil {
		if canceled(ctx, err) {
			return o.canceled(result)
		}
		log.Error("user message persist failed", slog.String("error", err.Error()))
		metrics.RecordTurn(metrics.TurnFailHard)
		if err := emit(protocol.Error(protocol.CodeStorage, "failed to save your message, please retry")); err != nil {
			return result, err
		}
		return result, fmt.Errorf("failed to persist user message: %w", err)
	}

	// WEB_SEARCH: launched in the background as soon as the turn is
	// committed, collected right before synthesis. Best effort.
	searchCh := make(chan string, 1)
	if o.search != nil {
		searchStart := time.Now()
		go func() {
			searchCh <- o.search.MaybeGetContext(ctx, req.Content)
			metrics.ObserveStage("web_search", time.Since(searchStart))
		}()
	} else {
		searchCh <- ""
	}

	// WEATHER: best effort context.
	weatherContext := ""
	if o.weather != nil {
		start = time.Now()
		weatherContext = o.weather.MaybeGetContext(ctx, req.Content)
		metrics.ObserveStage("weather", time.Since(start))
		if ctx.Err() != nil {
			return o.canceled(result)
		}
	}

	// INTENT.
	start = time.Now()
	intent, stats, err := classifyIntent(ctx, o.llm, cfg, o.prompts, req.Content, hist)
	metrics.ObserveStage("intent", time.Since(start))
	result.Stats.Add(stats)
	if err != nil {
		if canceled(ctx, err) {
			return o.canceled(result)
		}
		log.Warn("intent classification failed", slog.String("error", err.Error()))
	}
	result.Intent = intent

	var expertAnswer string
	var expertSources []string
	forwarded := ""

	if intent == IntentDeviceControl {
		// DEVICE_BRANCH: acknowledge (or report the feature unavailable);
		// no rewrite or routing.
		result.Route = RouteDecision{Decision: "device", Reason: "device control request"}
	} else {
		// REWRITE: only meaningful with history present.
		start = time.Now()
		rewritten, stats, err := rewriteQuery(ctx, o.llm, cfg, o.prompts, req.Content, hist)
		metrics.ObserveStage("rewrite", time.Since(start))
		result.Stats.Add(stats)
		if err != nil {
			if canceled(ctx, err) {
				return o.canceled(result)
			}
			log.Warn("query rewrite failed, using original text", slog.String("error", err.Error()))
			rewritten = req.Content
		}

		// ROUTE.
		start = time.Now()
		route, stats, err := routeTurn(ctx, o.llm, cfg, o.prompts, rewritten, intent)
		metrics.ObserveStage("route", time.Since(start))
		result.Stats.Add(stats)
		if err != nil {
			if canceled(ctx, err) {
				return o.canceled(result)
			}
			log.Warn("routing failed, answering directly", slog.String("error", err.Error()))
		}
		result.Route = route

		// EXPERT_STREAM: failures and timeouts fall through to the
		// no-expert branch, never retried.
		if route.NeedsExpert && o.expert != nil {
			expertAnswer, expertSources, forwarded = o.consultExpert(ctx, req, rewritten, result.AssistantMessageID, assistantTS, emit, log)
			if ctx.Err() != nil {
				return o.canceled(result)
			}
			result.ExpertConsulted = expertAnswer != ""
		}
	}

	searchContext := <-searchCh
	if ctx.Err() != nil {
		return o.canceled(result)
	}

	// SYNTH_STREAM. Under the forward policy a complete expert answer is
	// already on the wire and becomes the assistant text as-is.
	answer := forwarded
	if !(result.ExpertConsulted && o.opts.StreamPolicy == config.ExpertPolicyForward) {
		messages := o.buildSynthesisMessages(req, intent, hist, expertAnswer, weatherContext, searchContext)

		start = time.Now()
		synthesized, stats, err := llm.CallWithRetry(ctx, o.llm, messages, llm.CallOptions{
			Config: cfg,
			Stream: true,
			OnChunk: func(chunk string) {
				if emitErr := emit(protocol.StreamChunk(req.SessionID, chunk, result.AssistantMessageID, assistantTS)); emitErr == nil {
					metrics.RecordStreamChunk()
				}
			},
		})
		metrics.ObserveStage("synthesis", time.Since(start))
		result.Stats.Add(stats)
		if err != nil {
			if canceled(ctx, err) {
				return o.canceled(result)
			}
			log.Error("synthesis failed after retries", slog.String("error", err.Error()))
			return o.failSoft(ctx, req, result, assistantTS, forwarded+synthesized, emit)
		}
		answer += synthesized
	}
	result.Answer = answer

	// PERSIST_ASSISTANT: write the full buffer exactly once. A failure here
	// is reported as a warning on done, not an error frame.
	meta := o.assistantMeta(result, expertSources, weatherContext, searchContext)
	start = time.Now()
	assistCtx, cancelAssist := o.storageCtx(ctx)
	_, persistErr := o.history.Append(assistCtx, history.AppendParams{
		SessionID: req.SessionID,
		Role:      llm.RoleAssistant,
		Content:   answer,
		Type:      intent,
		MessageID: result.AssistantMessageID,
		Meta:      meta,
	})
	cancelAssist()
	metrics.ObserveStage("persist_assistant", time.Since(start))

	var doneMeta map[string]any
	if persistErr != nil {
		if canceled(ctx, persistErr) {
			return o.canceled(result)
		}
		log.Error("assistant message persist failed", slog.String("error", persistErr.Error()))
		doneMeta = map[string]any{"warning": "assistant_not_persisted"}
	}

	if err := emit(protocol.Done(req.SessionID, result.AssistantMessageID, doneMeta)); err != nil {
		return result, err
	}

	metrics.RecordTurn(metrics.TurnCompleted)
	metrics.RecordTokens(result.Stats.PromptTokens, result.Stats.CompletionTokens)
	log.Info("turn completed",
		slog.String("intent", intent),
		slog.Bool("expert_consulted", result.ExpertConsulted),
		slog.Int("answer_length", len(answer)))
	return result, nil
}

// consultExpert runs one consultation under the configured stream policy.
// It returns the complete expert answer ("" on any failure), its sources,
// and the text already forwarded to the client.
func (o *Orchestrator) consultExpert(ctx context.Context, req TurnRequest, query, assistantID string, assistantTS int64, emit EmitFunc, log *logger.Logger) (answer string, sources []string, forwarded string) {
	consultReq := expert.Request{
		Query:     query,
		SessionID: req.SessionID,
		Config:    req.SessionConfig,
	}
	if o.opts.StreamPolicy == config.ExpertPolicyForward {
		consultReq.OnChunk = func(chunk string) {
			if emitErr := emit(protocol.StreamChunk(req.SessionID, chunk, assistantID, assistantTS)); emitErr == nil {
				metrics.RecordStreamChunk()
				forwarded += chunk
			}
		}
	}

	start := time.Now()
	res, err := o.expert.Consult(ctx, consultReq)
	metrics.ObserveStage("expert", time.Since(start))

	switch {
	case errors.Is(err, expert.ErrNotConfigured):
		metrics.RecordExpertConsultation(metrics.ExpertSkipped)
		return "", nil, forwarded
	case err != nil:
		metrics.RecordExpertConsultation(metrics.ExpertFailed)
		log.Warn("expert consultation failed, continuing without expert",
			slog.String("error", err.Error()))
		return "", nil, forwarded
	case !res.Success:
		metrics.RecordExpertConsultation(metrics.ExpertFailed)
		log.Warn("expert returned no answer", slog.String("reason", res.Error))
		return "", nil, forwarded
	}

	metrics.RecordExpertConsultation(metrics.ExpertSuccess)
	return res.Answer, res.Sources, forwarded
}

// buildSynthesisMessages assembles the final prompt: domain system prompt,
// expert grounding when present, ambient context, history, user text.
func (o *Orchestrator) buildSynthesisMessages(req TurnRequest, intent string, hist []llm.Message, expertAnswer, weatherContext, searchContext string) []llm.Message {
	// Session config may carry a custom system prompt; expert grounding
	// takes precedence over it.
	system := session.ConfigString(req.SessionConfig, "system_prompt", o.prompts.Chat)
	if expertAnswer != "" {
		system = fmt.Sprintf(o.prompts.Thinking, expertAnswer)
	}
	if weatherContext != "" {
		system += "\n\n" + weatherContext
	}
	if searchContext != "" {
		system += "\n\n" + searchContext
	}
	if len(req.Context) > 0 {
		if raw, err := json.Marshal(req.Context); err == nil {
			system += "\n\n附加上下文：" + string(raw)
		}
	}

	userText := req.Content
	if intent == IntentDeviceControl {
		if o.opts.DeviceExpert {
			userText = fmt.Sprintf(defaultDevicePrompt, req.Content)
		} else {
			userText = fmt.Sprintf(defaultDeviceDisabledPrompt, req.Content)
		}
	}
	return llm.BuildMessages(system, userText, hist)
}

// assistantMeta builds the meta_data persisted with the assistant row.
func (o *Orchestrator) assistantMeta(result TurnResult, expertSources []string, weatherContext, searchContext string) map[string]any {
	dataSources := []string{}
	if result.ExpertConsulted {
		dataSources = append(dataSources, "expert")
	}
	dataSources = append(dataSources, expertSources...)
	if weatherContext != "" {
		dataSources = append(dataSources, "weather")
	}
	if searchContext != "" {
		dataSources = append(dataSources, "web_search")
	}

	return map[string]any{
		"intent": result.Intent,
		"routing": map[string]any{
			"needs_expert": result.Route.NeedsExpert,
			"needs_data":   result.Route.NeedsData,
			"decision":     result.Route.Decision,
			"reason":       result.Route.Reason,
		},
		"expert_consulted": result.ExpertConsulted,
		"web_search_used":  searchContext != "",
		"data_sources":     dataSources,
	}
}

// failSoft finishes a turn whose synthesis failed: short apology chunk, a
// best-effort assistant row, then done.
func (o *Orchestrator) failSoft(ctx context.Context, req TurnRequest, result TurnResult, assistantTS int64, partial string, emit EmitFunc) (TurnResult, error) {
	if err := emit(protocol.StreamChunk(req.SessionID, apologyText, result.AssistantMessageID, assistantTS)); err != nil {
		return result, err
	}
	metrics.RecordStreamChunk()
	result.Answer = partial + apologyText

	persistCtx, cancelPersist := o.storageCtx(ctx)
	_, persistErr := o.history.Append(persistCtx, history.AppendParams{
		SessionID: req.SessionID,
		Role:      llm.RoleAssistant,
		Content:   result.Answer,
		Type:      result.Intent,
		MessageID: result.AssistantMessageID,
		Meta:      map[string]any{"intent": result.Intent, "error": "synthesis_failed"},
	})
	cancelPersist()

	var doneMeta map[string]any
	if persistErr != nil && !canceled(ctx, persistErr) {
		doneMeta = map[string]any{"warning": "assistant_not_persisted"}
	}
	if err := emit(protocol.Done(req.SessionID, result.AssistantMessageID, doneMeta)); err != nil {
		return result, err
	}

	metrics.RecordTurn(metrics.TurnFailSoft)
	return result, nil
}

// canceled reports whether err (or the context) represents cancellation.
func canceled(ctx context.Context, err error) bool {
	if errors.Is(err, llm.ErrCanceled) || errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}

func (o *Orchestrator) canceled(result TurnResult) (TurnResult, error) {
	metrics.RecordTurn(metrics.TurnCanceled)
	return result, llm.ErrCanceled
}
