package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/config"
	"github.com/hefeijay/japan-aquaculture-project/internal/expert"
	"github.com/hefeijay/japan-aquaculture-project/internal/history"
	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	"github.com/hefeijay/japan-aquaculture-project/internal/protocol"
)

func testLogger() *logger.Logger {
	return logger.New(logger.FromConfig("error", "text"))
}

type frameSink struct {
	frames []protocol.Frame
}

func (s *frameSink) emit(f protocol.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) types() []string {
	types := make([]string, len(s.frames))
	for i, f := range s.frames {
		types[i] = f.Type
	}
	return types
}

func (s *frameSink) chunkConcat() string {
	var b strings.Builder
	for _, f := range s.frames {
		if f.Type == protocol.TypeStreamChunk {
			b.WriteString(f.Data.(protocol.StreamChunkData).Content)
		}
	}
	return b.String()
}

type fakeExpert struct {
	result   expert.Result
	err      error
	chunks   []string
	called   bool
	gotQuery string
}

func (f *fakeExpert) Consult(ctx context.Context, req expert.Request) (expert.Result, error) {
	f.called = true
	f.gotQuery = req.Query
	if req.OnChunk != nil {
		for _, c := range f.chunks {
			req.OnChunk(c)
		}
	}
	return f.result, f.err
}

type fakeWeather struct {
	context string
}

func (f fakeWeather) MaybeGetContext(ctx context.Context, query string) string {
	return f.context
}

type fakeSearch struct {
	context string
}

func (f fakeSearch) MaybeGetContext(ctx context.Context, query string) string {
	return f.context
}

type flakyStore struct {
	history.Store
	failRecent     bool
	failAppendRole string
}

func (s *flakyStore) Recent(ctx context.Context, sessionID string, limit int) ([]history.ChatMessage, error) {
	if s.failRecent {
		return nil, errors.New("db down")
	}
	return s.Store.Recent(ctx, sessionID, limit)
}

func (s *flakyStore) Append(ctx context.Context, params history.AppendParams) (history.ChatMessage, error) {
	if s.failAppendRole != "" && params.Role == s.failAppendRole {
		return history.ChatMessage{}, errors.New("db down")
	}
	return s.Store.Append(ctx, params)
}

// slowStore hangs the selected operations until the call's context expires,
// standing in for an unresponsive database.
type slowStore struct {
	history.Store
	slowRecent     bool
	slowAppendRole string
}

func (s *slowStore) Recent(ctx context.Context, sessionID string, limit int) ([]history.ChatMessage, error) {
	if s.slowRecent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Store.Recent(ctx, sessionID, limit)
}

func (s *slowStore) Append(ctx context.Context, params history.AppendParams) (history.ChatMessage, error) {
	if s.slowAppendRole != "" && params.Role == s.slowAppendRole {
		<-ctx.Done()
		return history.ChatMessage{}, ctx.Err()
	}
	return s.Store.Append(ctx, params)
}

func newOrchestrator(client llm.Client, consultant ExpertConsultant, hist history.Store, opts Options) *Orchestrator {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	return New(client, consultant, nil, nil, hist, ResolvePrompts(config.PromptOverrides{}), opts, testLogger())
}

func turnRequest(content string) TurnRequest {
	return TurnRequest{
		SessionID:     "sess-1",
		UserID:        "user-1",
		Content:       content,
		UserMessageID: "user-msg-1",
		UserTimestamp: 1700000000,
	}
}

const noExpertRoute = `{"needs_expert": false, "needs_data": false, "decision": "direct", "reason": "simple"}`
const expertRoute = `{"needs_expert": true, "needs_data": false, "decision": "expert", "reason": "domain question"}`

func TestRunChitchatTurn(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")   // intent
	client.QueueText(noExpertRoute) // route
	client.QueueText("你好！有什么可以帮您？") // synthesis

	hist := history.NewMemoryStore()
	orch := newOrchestrator(client, nil, hist, Options{})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("你好"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	types := sink.types()
	if len(types) < 2 || types[len(types)-1] != protocol.TypeDone {
		t.Fatalf("expected chunks then done, got %v", types)
	}
	for _, ft := range types[:len(types)-1] {
		if ft != protocol.TypeStreamChunk {
			t.Errorf("unexpected frame type %q before done", ft)
		}
	}
	if got := sink.chunkConcat(); got != result.Answer {
		t.Errorf("chunk concatenation %q != answer %q", got, result.Answer)
	}
	if result.Intent != IntentChitchat {
		t.Errorf("unexpected intent %q", result.Intent)
	}

	rows, _ := hist.Recent(context.Background(), "sess-1", 10)
	if len(rows) != 2 {
		t.Fatalf("expected user + assistant rows, got %d", len(rows))
	}
	if rows[0].Role != "user" || rows[0].MessageID != "user-msg-1" {
		t.Errorf("unexpected user row %+v", rows[0])
	}
	if rows[1].Role != "assistant" || rows[1].Content != result.Answer {
		t.Errorf("persisted assistant row %q != streamed answer %q", rows[1].Content, result.Answer)
	}
	if rows[1].Type != IntentChitchat {
		t.Errorf("assistant row type %q, want intent label", rows[1].Type)
	}
	if rows[1].MessageID != result.AssistantMessageID {
		t.Errorf("assistant row message_id mismatch")
	}
}

func TestRunSkipsRewriteOnEmptyHistory(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	orch := newOrchestrator(client, nil, history.NewMemoryStore(), Options{})
	sink := &frameSink{}

	if _, err := orch.Run(context.Background(), turnRequest("对虾白斑病怎么防治？"), sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// intent + route + synthesis, no rewrite call
	if got := client.CallCount(); got != 3 {
		t.Errorf("expected 3 LLM calls with empty history, got %d", got)
	}
}

func TestRunExpertSynthesizePolicy(t *testing.T) {
	ctx := context.Background()
	hist := history.NewMemoryStore()
	hist.Append(ctx, history.AppendParams{SessionID: "sess-1", Role: "user", Content: "池塘pH一直在8.9左右"})
	hist.Append(ctx, history.AppendParams{SessionID: "sess-1", Role: "assistant", Content: "pH偏高，建议换水并减少投喂。"})

	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText("池塘pH偏高应该如何处理？") // rewrite
	client.QueueText(expertRoute)
	client.QueueText("根据专家意见，建议分次换水，每次不超过20%。")

	consultant := &fakeExpert{
		result: expert.Result{Success: true, Answer: "分次换水，控制藻类密度。", Sources: []string{"kb:ph"}},
	}
	orch := newOrchestrator(client, consultant, hist, Options{StreamPolicy: config.ExpertPolicySynthesize})
	sink := &frameSink{}

	result, err := orch.Run(ctx, turnRequest("那pH呢？"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !consultant.called {
		t.Fatal("expected expert consultation")
	}
	if consultant.gotQuery != "池塘pH偏高应该如何处理？" {
		t.Errorf("expected rewritten query sent to expert, got %q", consultant.gotQuery)
	}
	if !result.ExpertConsulted {
		t.Error("expected ExpertConsulted=true")
	}

	// Synthesis must be grounded on the expert answer.
	calls := client.Calls()
	lastSystem := calls[len(calls)-1][0]
	if lastSystem.Role != llm.RoleSystem || !strings.Contains(lastSystem.Content, "分次换水") {
		t.Errorf("expected expert answer in synthesis system prompt, got %q", lastSystem.Content)
	}

	rows, _ := hist.Recent(ctx, "sess-1", 10)
	last := rows[len(rows)-1]
	if last.MetaData == nil || !strings.Contains(*last.MetaData, `"expert_consulted":true`) {
		t.Errorf("expected expert_consulted in meta_data, got %v", last.MetaData)
	}
}

func TestRunExpertForwardPolicy(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText(expertRoute)

	consultant := &fakeExpert{
		chunks: []string{"专家：", "建议增氧"},
		result: expert.Result{Success: true, Answer: "专家：建议增氧"},
	}
	hist := history.NewMemoryStore()
	orch := newOrchestrator(client, consultant, hist, Options{StreamPolicy: config.ExpertPolicyForward})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("溶氧偏低怎么办？"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// intent + route only; synthesis suppressed
	if got := client.CallCount(); got != 2 {
		t.Errorf("expected no synthesis call, got %d LLM calls", got)
	}
	if got := sink.chunkConcat(); got != "专家：建议增氧" {
		t.Errorf("unexpected forwarded text %q", got)
	}
	if result.Answer != "专家：建议增氧" {
		t.Errorf("unexpected answer %q", result.Answer)
	}

	rows, _ := hist.Recent(context.Background(), "sess-1", 10)
	if rows[len(rows)-1].Content != result.Answer {
		t.Errorf("persisted row must equal forwarded text")
	}
}

func TestRunExpertForwardFailureFallsBackToSynthesis(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText(expertRoute)
	client.QueueText("根据经验，建议先检测溶氧。")

	consultant := &fakeExpert{
		chunks: []string{"部分回答"},
		result: expert.Result{Success: false, Answer: "部分回答", Error: "stream broke"},
		err:    errors.New("stream broke"),
	}
	hist := history.NewMemoryStore()
	orch := newOrchestrator(client, consultant, hist, Options{StreamPolicy: config.ExpertPolicyForward})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("q"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExpertConsulted {
		t.Error("expected ExpertConsulted=false after failure")
	}
	if got := sink.chunkConcat(); got != result.Answer {
		t.Errorf("chunk concatenation %q != answer %q", got, result.Answer)
	}
	if !strings.HasPrefix(result.Answer, "部分回答") || !strings.Contains(result.Answer, "溶氧") {
		t.Errorf("expected partial + synthesis, got %q", result.Answer)
	}

	rows, _ := hist.Recent(context.Background(), "sess-1", 10)
	if rows[len(rows)-1].Content != result.Answer {
		t.Errorf("persisted row must equal emitted text")
	}
}

func TestRunExpertFailureContinuesWithoutErrorFrame(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText(expertRoute)
	client.QueueText("不依赖专家的回答")

	consultant := &fakeExpert{err: errors.New("connection refused")}
	orch := newOrchestrator(client, consultant, history.NewMemoryStore(), Options{})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("q"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExpertConsulted {
		t.Error("expected ExpertConsulted=false")
	}
	for _, ft := range sink.types() {
		if ft == protocol.TypeError {
			t.Error("expert failure must not surface an error frame")
		}
	}
}

func TestRunUserPersistFailureIsHard(t *testing.T) {
	client := llm.NewMockClient()
	store := &flakyStore{Store: history.NewMemoryStore(), failAppendRole: "user"}
	orch := newOrchestrator(client, nil, store, Options{})
	sink := &frameSink{}

	_, err := orch.Run(context.Background(), turnRequest("hello"), sink.emit)
	if err == nil {
		t.Fatal("expected hard failure")
	}

	types := sink.types()
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected single error frame, got %v", types)
	}
	data := sink.frames[0].Data.(protocol.ErrorData)
	if data.Code != protocol.CodeStorage {
		t.Errorf("unexpected error code %q", data.Code)
	}
	if client.CallCount() != 0 {
		t.Errorf("no LLM calls expected after hard failure, got %d", client.CallCount())
	}
}

func TestRunHistoryLoadFailureIsSoft(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	store := &flakyStore{Store: history.NewMemoryStore(), failRecent: true}
	orch := newOrchestrator(client, nil, store, Options{})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("hello"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	types := sink.types()
	if types[0] != protocol.TypeError {
		t.Fatalf("expected leading error frame, got %v", types)
	}
	if types[len(types)-1] != protocol.TypeDone {
		t.Fatalf("expected done at end, got %v", types)
	}
	if result.Answer == "" {
		t.Error("expected an answer despite history failure")
	}
}

func TestRunSynthesisFailureEmitsApology(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")
	client.QueueText(noExpertRoute)
	client.QueueError(&llm.UpstreamError{Retryable: false, Err: errors.New("model unavailable")})

	hist := history.NewMemoryStore()
	orch := newOrchestrator(client, nil, hist, Options{})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("hello"), sink.emit)
	if err != nil {
		t.Fatalf("fail-soft turn must not return an error: %v", err)
	}

	types := sink.types()
	if len(types) != 2 || types[0] != protocol.TypeStreamChunk || types[1] != protocol.TypeDone {
		t.Fatalf("expected apology chunk then done, got %v", types)
	}
	if result.Answer != apologyText {
		t.Errorf("unexpected answer %q", result.Answer)
	}

	rows, _ := hist.Recent(context.Background(), "sess-1", 10)
	last := rows[len(rows)-1]
	if last.Role != "assistant" || last.Content != apologyText {
		t.Errorf("expected persisted apology row, got %+v", last)
	}
}

func TestRunAssistantPersistFailureWarnsOnDone(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	store := &flakyStore{Store: history.NewMemoryStore(), failAppendRole: "assistant"}
	orch := newOrchestrator(client, nil, store, Options{})
	sink := &frameSink{}

	if _, err := orch.Run(context.Background(), turnRequest("hello"), sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	last := sink.frames[len(sink.frames)-1]
	if last.Type != protocol.TypeDone {
		t.Fatalf("expected done frame, got %q", last.Type)
	}
	done := last.Data.(protocol.DoneData)
	if done.Meta["warning"] != "assistant_not_persisted" {
		t.Errorf("expected warning in done meta, got %v", done.Meta)
	}
}

func TestRunCanceledEmitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := llm.NewMockClient()
	orch := newOrchestrator(client, nil, history.NewMemoryStore(), Options{})
	sink := &frameSink{}

	_, err := orch.Run(ctx, turnRequest("hello"), sink.emit)
	if !errors.Is(err, llm.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if len(sink.frames) != 0 {
		t.Errorf("expected no frames after cancellation, got %v", sink.types())
	}
}

func TestRunDeviceBranchSkipsRouting(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("device_control")
	client.QueueText("已收到增氧机开启请求，指令已转发给设备管理系统。")

	orch := newOrchestrator(client, nil, history.NewMemoryStore(), Options{DeviceExpert: true})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("打开1号塘的增氧机"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Intent != IntentDeviceControl {
		t.Errorf("unexpected intent %q", result.Intent)
	}
	// intent + synthesis only, no rewrite or routing call
	if got := client.CallCount(); got != 2 {
		t.Errorf("expected 2 LLM calls on device branch, got %d", got)
	}
	if result.Route.Decision != "device" {
		t.Errorf("unexpected route decision %q", result.Route.Decision)
	}
}

func TestRunDeviceBranchDisabledNotice(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("device_control")
	client.QueueText("设备控制暂不可用，建议手动开启增氧机。")

	orch := newOrchestrator(client, nil, history.NewMemoryStore(), Options{DeviceExpert: false})
	sink := &frameSink{}

	if _, err := orch.Run(context.Background(), turnRequest("打开增氧机"), sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := client.CallCount(); got != 2 {
		t.Fatalf("expected intent + synthesis only, got %d calls", got)
	}

	calls := client.Calls()
	last := calls[len(calls)-1]
	userMsg := last[len(last)-1]
	if !strings.Contains(userMsg.Content, "未接入") {
		t.Errorf("expected disabled notice in synthesis prompt, got %q", userMsg.Content)
	}
}

func TestRunWeatherContextReachesSynthesis(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	orch := New(client, nil, fakeWeather{context: "当前天气：Tsukuba，晴，气温27.5°C"}, nil,
		history.NewMemoryStore(), ResolvePrompts(config.PromptOverrides{}),
		Options{Model: "gpt-4o-mini"}, testLogger())
	sink := &frameSink{}

	if _, err := orch.Run(context.Background(), turnRequest("今天适合投喂吗？"), sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := client.Calls()
	lastSystem := calls[len(calls)-1][0]
	if !strings.Contains(lastSystem.Content, "27.5") {
		t.Errorf("expected weather context in synthesis prompt, got %q", lastSystem.Content)
	}
}

func TestRunWebSearchContextReachesSynthesis(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("domain_knowledge")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	hist := history.NewMemoryStore()
	orch := New(client, nil, nil, fakeSearch{context: "【联网搜索结果】\n1. 对虾养殖技术\n   水温控制在25-30度"},
		hist, ResolvePrompts(config.PromptOverrides{}),
		Options{Model: "gpt-4o-mini"}, testLogger())
	sink := &frameSink{}

	if _, err := orch.Run(context.Background(), turnRequest("对虾最新行情如何？"), sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := client.Calls()
	lastSystem := calls[len(calls)-1][0]
	if !strings.Contains(lastSystem.Content, "联网搜索结果") {
		t.Errorf("expected search context in synthesis prompt, got %q", lastSystem.Content)
	}

	rows, _ := hist.Recent(context.Background(), "sess-1", 10)
	last := rows[len(rows)-1]
	if last.MetaData == nil || !strings.Contains(*last.MetaData, `"web_search_used":true`) {
		t.Errorf("expected web_search_used in meta_data, got %v", last.MetaData)
	}
	if !strings.Contains(*last.MetaData, `"web_search"`) {
		t.Errorf("expected web_search in data_sources, got %v", last.MetaData)
	}
}

func TestRunWebSearchDisabledMetaFlag(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	hist := history.NewMemoryStore()
	orch := newOrchestrator(client, nil, hist, Options{})
	sink := &frameSink{}

	if _, err := orch.Run(context.Background(), turnRequest("你好"), sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rows, _ := hist.Recent(context.Background(), "sess-1", 10)
	last := rows[len(rows)-1]
	if last.MetaData == nil || !strings.Contains(*last.MetaData, `"web_search_used":false`) {
		t.Errorf("expected web_search_used false in meta_data, got %v", last.MetaData)
	}
}

func TestRunStorageTimeoutOnHistoryLoadIsSoft(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	store := &slowStore{Store: history.NewMemoryStore(), slowRecent: true}
	orch := newOrchestrator(client, nil, store, Options{StorageTimeout: 10 * time.Millisecond})
	sink := &frameSink{}

	result, err := orch.Run(context.Background(), turnRequest("hello"), sink.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	types := sink.types()
	if types[0] != protocol.TypeError {
		t.Fatalf("expected leading storage error frame, got %v", types)
	}
	if types[len(types)-1] != protocol.TypeDone {
		t.Fatalf("expected done at end, got %v", types)
	}
	if result.Answer == "" {
		t.Error("expected an answer despite the hung history load")
	}
}

func TestRunStorageTimeoutOnUserPersistIsHard(t *testing.T) {
	client := llm.NewMockClient()
	store := &slowStore{Store: history.NewMemoryStore(), slowAppendRole: "user"}
	orch := newOrchestrator(client, nil, store, Options{StorageTimeout: 10 * time.Millisecond})
	sink := &frameSink{}

	_, err := orch.Run(context.Background(), turnRequest("hello"), sink.emit)
	if err == nil {
		t.Fatal("expected hard failure from the hung user persist")
	}

	types := sink.types()
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected single error frame, got %v", types)
	}
	data := sink.frames[0].Data.(protocol.ErrorData)
	if data.Code != protocol.CodeStorage {
		t.Errorf("unexpected error code %q", data.Code)
	}
	if client.CallCount() != 0 {
		t.Errorf("no LLM calls expected after hard failure, got %d", client.CallCount())
	}
}

func TestRunSessionConfigSystemPromptOverride(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueText("chitchat")
	client.QueueText(noExpertRoute)
	client.QueueText("answer")

	orch := newOrchestrator(client, nil, history.NewMemoryStore(), Options{})
	sink := &frameSink{}

	req := turnRequest("你好")
	req.SessionConfig = map[string]any{"system_prompt": "你是一位养虾顾问。"}
	if _, err := orch.Run(context.Background(), req, sink.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := client.Calls()
	lastSystem := calls[len(calls)-1][0]
	if !strings.HasPrefix(lastSystem.Content, "你是一位养虾顾问。") {
		t.Errorf("expected config system prompt to lead synthesis, got %q", lastSystem.Content)
	}
}
