package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
)

// Intent labels. The orchestrator branches only on IntentDeviceControl;
// every other label follows the general path.
const (
	IntentChitchat        = "chitchat"
	IntentDataQuery       = "data_query"
	IntentDataAnalysis    = "data_analysis"
	IntentDeviceControl   = "device_control"
	IntentDomainKnowledge = "domain_knowledge"
	IntentOther           = "other"
)

var knownIntents = []string{
	IntentChitchat,
	IntentDataQuery,
	IntentDataAnalysis,
	IntentDeviceControl,
	IntentDomainKnowledge,
	IntentOther,
}

// RouteDecision selects among expert consultation, data lookup, and direct
// synthesis for one turn.
type RouteDecision struct {
	NeedsExpert bool   `json:"needs_expert"`
	NeedsData   bool   `json:"needs_data"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
}

// defaultRoute is the safe fallback when routing fails: answer directly.
func defaultRoute(reason string) RouteDecision {
	return RouteDecision{Decision: "direct", Reason: reason}
}

// classifyIntent labels the user text. The label is matched against the
// closed set; unrecognized output degrades to IntentOther.
func classifyIntent(ctx context.Context, client llm.Client, cfg llm.Config, prompts Prompts, text string, hist []llm.Message) (string, llm.Stats, error) {
	messages := llm.BuildMessages("", fmt.Sprintf(prompts.Intent, text), hist)

	answer, stats, err := llm.CallWithRetry(ctx, client, messages, llm.CallOptions{Config: cfg})
	if err != nil {
		return IntentOther, stats, err
	}
	return extractIntent(answer), stats, nil
}

// extractIntent finds a known label in the model output. Exact match wins;
// otherwise the first label mentioned anywhere in the answer is used.
func extractIntent(answer string) string {
	cleaned := strings.ToLower(strings.TrimSpace(answer))
	for _, label := range knownIntents {
		if cleaned == label {
			return label
		}
	}
	for _, label := range knownIntents {
		if strings.Contains(cleaned, label) {
			return label
		}
	}
	return IntentOther
}

// rewriteQuery makes the user text self-contained against the history
// window. With empty history the input is returned unchanged without any
// model call.
func rewriteQuery(ctx context.Context, client llm.Client, cfg llm.Config, prompts Prompts, text string, hist []llm.Message) (string, llm.Stats, error) {
	if len(hist) == 0 {
		return text, llm.Stats{}, nil
	}

	var rendered strings.Builder
	for _, msg := range hist {
		rendered.WriteString(msg.Role)
		rendered.WriteString(": ")
		rendered.WriteString(msg.Content)
		rendered.WriteString("\n")
	}

	prompt := fmt.Sprintf(prompts.Rewriter, rendered.String(), text)
	answer, stats, err := llm.CallWithRetry(ctx, client, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.CallOptions{Config: cfg})
	if err != nil {
		return text, stats, err
	}

	rewritten := strings.TrimSpace(answer)
	if rewritten == "" {
		return text, stats, nil
	}
	return rewritten, stats, nil
}

// routeTurn decides whether the turn needs the expert or local data. Any
// parse failure yields the direct-answer default.
func routeTurn(ctx context.Context, client llm.Client, cfg llm.Config, prompts Prompts, text, intent string) (RouteDecision, llm.Stats, error) {
	prompt := fmt.Sprintf(prompts.Routing, intent, text)
	answer, stats, err := llm.CallWithRetry(ctx, client, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.CallOptions{Config: cfg})
	if err != nil {
		return defaultRoute("routing unavailable"), stats, err
	}
	return parseRouteDecision(answer), stats, nil
}

// parseRouteDecision extracts the decision JSON from model output that may
// wrap it in prose or code fences.
func parseRouteDecision(answer string) RouteDecision {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return defaultRoute("unparseable routing output")
	}

	var decision RouteDecision
	if err := json.Unmarshal([]byte(answer[start:end+1]), &decision); err != nil {
		return defaultRoute("unparseable routing output")
	}
	if decision.Decision == "" {
		decision.Decision = "direct"
	}
	return decision
}
