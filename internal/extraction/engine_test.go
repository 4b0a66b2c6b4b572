package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
)

// scriptedProvider replays a fixed sequence of tool calls, one per round.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	calls     int
	embedErr  error
}

func (p *scriptedProvider) ChatWithTools(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return llm.ChatResponse{}, fmt.Errorf("unexpected call %d", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) GenerateJSON(ctx context.Context, system, prompt string, schema json.RawMessage) (string, error) {
	return "{}", nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.embedErr != nil {
		return nil, p.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type stubTaskStore struct {
	mu            sync.Mutex
	inserted      []model.StagedTask
	shiftInserted []model.StagedTask
	vectorResults []model.SearchResult
	keywordHits   []model.SearchResult
	synced        []string
}

func (s *stubTaskStore) SearchVector(context.Context, []float32, int) ([]model.SearchResult, error) {
	return s.vectorResults, nil
}
func (s *stubTaskStore) SearchKeyword(context.Context, string, int) ([]model.SearchResult, error) {
	return s.keywordHits, nil
}
func (s *stubTaskStore) InsertStaged(_ context.Context, rec model.StagedTask) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, rec)
	return fmt.Sprintf("staged-%d", len(s.inserted)), nil
}
func (s *stubTaskStore) InsertStagedWithScoreShift(_ context.Context, rec model.StagedTask) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shiftInserted = append(s.shiftInserted, rec)
	return fmt.Sprintf("shifted-%d", len(s.shiftInserted)), nil
}
func (s *stubTaskStore) UpdateEmbedding(context.Context, string, []float32) error { return nil }
func (s *stubTaskStore) MarkSynced(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, id)
	return nil
}
func (s *stubTaskStore) ListStaged(context.Context, int) ([]model.StagedTask, error) {
	return nil, nil
}
func (s *stubTaskStore) ListActionItems(context.Context, model.TaskStatus, int) ([]model.ActionItem, error) {
	return nil, nil
}
func (s *stubTaskStore) ScoreRange(context.Context) (float64, float64, error) { return 0, 0, nil }

func (s *stubTaskStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted) + len(s.shiftInserted)
}

type stubSink struct {
	mu  sync.Mutex
	obs []model.Observation
}

func (s *stubSink) Emit(o model.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = append(s.obs, o)
}

func (s *stubSink) last(t *testing.T) model.Observation {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.obs) == 0 {
		t.Fatalf("expected an observation")
	}
	return s.obs[len(s.obs)-1]
}

func toolResponse(name string, args any) llm.ChatResponse {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.ChatResponse{ToolCalls: []llm.ToolCall{{
		ID:        "call-1",
		Name:      name,
		Arguments: raw,
	}}}
}

func validTask(overrides func(*map[string]any)) map[string]any {
	args := map[string]any{
		"title":              "Reply to Marta about the Q3 board deck",
		"description":        "She asked for the updated numbers in Slack",
		"priority":           "high",
		"tags":               []string{"q3", "board"},
		"source_app":         "Slack",
		"inferred_deadline":  "tomorrow",
		"confidence":         0.9,
		"context_summary":    "Slack DM with Marta about Q3 deck",
		"current_activity":   "reading Slack messages",
		"source_category":    "direct_request",
		"source_subcategory": "message",
		"relevance_score":    0,
	}
	if overrides != nil {
		overrides(&args)
	}
	return args
}

func newTestEngine(provider *scriptedProvider, store *stubTaskStore, sink Sink) *Engine {
	e := New(provider, store, nil, nil, nil, sink, Config{}, testLogger())
	e.now = func() time.Time { return time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) }
	return e
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func frame() model.CapturedFrame {
	return model.CapturedFrame{AppName: "Slack", WindowTitle: "Marta", CapturedAt: time.Now()}
}

func TestEngineNoTaskFound(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("no_task_found", map[string]any{
			"context_summary":  "browsing a dashboard",
			"current_activity": "reading metrics",
		}),
	}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if store.insertedCount() != 0 {
		t.Fatalf("expected no staged tasks, got %d", store.insertedCount())
	}
	obs := sink.last(t)
	if obs.Outcome != model.OutcomeNoTask {
		t.Fatalf("expected outcome %s, got %s", model.OutcomeNoTask, obs.Outcome)
	}
	if obs.HasTask {
		t.Fatalf("expected HasTask false")
	}
	if obs.ContextSummary != "browsing a dashboard" {
		t.Fatalf("unexpected context summary: %q", obs.ContextSummary)
	}
}

func TestEngineSearchThenExtract(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("search_keywords", map[string]any{"query": "Marta Q3 deck"}),
		toolResponse("extract_task", validTask(nil)),
	}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 staged task, got %d", len(store.inserted))
	}
	rec := store.inserted[0]
	if rec.Title != "Reply to Marta about the Q3 board deck" {
		t.Fatalf("unexpected title: %q", rec.Title)
	}
	if rec.Deadline == nil {
		t.Fatalf("expected deadline parsed from %q", "tomorrow")
	}
	if want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC); !rec.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", rec.Deadline, want)
	}
	obs := sink.last(t)
	if obs.Outcome != model.OutcomeExtracted || !obs.HasTask {
		t.Fatalf("unexpected observation: %+v", obs)
	}
	if obs.SourceCategory != "direct_request" || obs.Subcategory != "message" {
		t.Fatalf("unexpected source classification: %s/%s", obs.SourceCategory, obs.Subcategory)
	}
}

func TestEngineExtractBeforeSearchIsPushedBack(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("extract_task", validTask(nil)),
		toolResponse("search_similar", map[string]any{"query": "Marta Q3 deck"}),
		toolResponse("extract_task", validTask(nil)),
	}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if provider.calls != 3 {
		t.Fatalf("expected 3 rounds, got %d", provider.calls)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected the extraction to succeed after searching, got %d inserts", len(store.inserted))
	}
}

func TestEngineVagueTitleRetryBudget(t *testing.T) {
	vague := func(args *map[string]any) { (*args)["title"] = "follow up on the thing" }
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("search_keywords", map[string]any{"query": "thing"}),
		toolResponse("extract_task", validTask(vague)),
		toolResponse("extract_task", validTask(vague)),
	}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if provider.calls != 3 {
		t.Fatalf("expected 3 rounds (one retry), got %d", provider.calls)
	}
	if store.insertedCount() != 0 {
		t.Fatalf("expected no staged task after two vague titles")
	}
	if obs := sink.last(t); obs.Outcome != model.OutcomeNoTask {
		t.Fatalf("expected terminal no-task outcome, got %s", obs.Outcome)
	}
}

func TestEngineLowConfidenceFiltered(t *testing.T) {
	lowConf := func(args *map[string]any) { (*args)["confidence"] = 0.4 }
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("search_keywords", map[string]any{"query": "Marta"}),
		toolResponse("extract_task", validTask(lowConf)),
	}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if store.insertedCount() != 0 {
		t.Fatalf("expected low-confidence task to be dropped")
	}
	if obs := sink.last(t); obs.Outcome != model.OutcomeLowConfidence {
		t.Fatalf("expected outcome %s, got %s", model.OutcomeLowConfidence, obs.Outcome)
	}
}

func TestEngineRejectTask(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("search_similar", map[string]any{"query": "Marta Q3 deck"}),
		toolResponse("reject_task", map[string]any{
			"reason":           "duplicate of an active task",
			"context_summary":  "Slack DM",
			"current_activity": "reading Slack",
		}),
	}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if store.insertedCount() != 0 {
		t.Fatalf("expected no staged task for a rejection")
	}
	if obs := sink.last(t); obs.Outcome != model.OutcomeRejected {
		t.Fatalf("expected outcome %s, got %s", model.OutcomeRejected, obs.Outcome)
	}
}

func TestEngineLoopExhausted(t *testing.T) {
	search := toolResponse("search_keywords", map[string]any{"query": "anything"})
	provider := &scriptedProvider{responses: []llm.ChatResponse{search, search, search, search, search}}
	store := &stubTaskStore{}
	sink := &stubSink{}
	e := newTestEngine(provider, store, sink)

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if provider.calls != 5 {
		t.Fatalf("expected exactly 5 rounds, got %d", provider.calls)
	}
	if store.insertedCount() != 0 {
		t.Fatalf("expected nothing staged on exhaustion")
	}
	if obs := sink.last(t); obs.Outcome != model.OutcomeExhausted {
		t.Fatalf("expected outcome %s, got %s", model.OutcomeExhausted, obs.Outcome)
	}
}

func TestEngineScoreShiftInsert(t *testing.T) {
	scored := func(args *map[string]any) { (*args)["relevance_score"] = 3 }
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolResponse("search_keywords", map[string]any{"query": "Marta"}),
		toolResponse("extract_task", validTask(scored)),
	}}
	store := &stubTaskStore{}
	e := newTestEngine(provider, store, &stubSink{})

	e.Process(context.Background(), frame(), model.TriggerContextSwitch)

	if len(store.shiftInserted) != 1 {
		t.Fatalf("expected score-shift insert for a scored task, got %d", len(store.shiftInserted))
	}
	if rec := store.shiftInserted[0]; rec.RelevanceScore == nil || *rec.RelevanceScore != 3 {
		t.Fatalf("unexpected relevance score: %v", rec.RelevanceScore)
	}
}
