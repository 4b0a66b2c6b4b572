package prioritize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
)

type stubStore struct {
	staged    []model.StagedTask
	completed []model.ActionItem
	moves     []model.RerankInstruction
	meta      map[string]string
	scores    []model.TaskScore
}

func (s *stubStore) ListStaged(context.Context, int) ([]model.StagedTask, error) {
	return s.staged, nil
}
func (s *stubStore) ListActionItems(context.Context, model.TaskStatus, int) ([]model.ActionItem, error) {
	return s.completed, nil
}
func (s *stubStore) ApplyRerank(_ context.Context, moves []model.RerankInstruction) error {
	s.moves = append(s.moves, moves...)
	return nil
}
func (s *stubStore) BatchScores(context.Context) ([]model.TaskScore, error) {
	return s.scores, nil
}
func (s *stubStore) GetMeta(_ context.Context, key string) (string, error) {
	return s.meta[key], nil
}
func (s *stubStore) SetMeta(_ context.Context, key, value string) error {
	if s.meta == nil {
		s.meta = map[string]string{}
	}
	s.meta[key] = value
	return nil
}

type stubProfiles struct {
	regenerated bool
	stale       bool
}

func (p *stubProfiles) Goals(context.Context) []model.Goal {
	return []model.Goal{{ID: "g1", Title: "Ship the billing revamp"}}
}
func (p *stubProfiles) ProfileText(context.Context) string { return "startup founder, heavy Slack" }
func (p *stubProfiles) ShouldRegenerate() bool             { return p.stale }
func (p *stubProfiles) Regenerate(context.Context) error {
	p.regenerated = true
	return nil
}

type stubProvider struct {
	response string
	calls    int
}

func (p *stubProvider) ChatWithTools(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{}, fmt.Errorf("not used")
}
func (p *stubProvider) GenerateJSON(context.Context, string, string, json.RawMessage) (string, error) {
	p.calls++
	return p.response, nil
}
func (p *stubProvider) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

type stubSink struct {
	batches [][]model.TaskScore
}

func (s *stubSink) BatchUpdateScores(_ context.Context, scores []model.TaskScore) error {
	s.batches = append(s.batches, scores)
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func stagedTasks(n int) []model.StagedTask {
	out := make([]model.StagedTask, n)
	for i := range out {
		out[i] = model.StagedTask{
			ID:        fmt.Sprintf("task-%d", i),
			Title:     fmt.Sprintf("Prepare the Northwind pitch deck section %d", i),
			Priority:  model.PriorityMedium,
			CreatedAt: time.Now(),
		}
	}
	return out
}

func TestRerankAppliesValidMoves(t *testing.T) {
	provider := &stubProvider{response: `{"reranked_tasks":[
		{"task_id":"task-2","new_position":1},
		{"task_id":"ghost","new_position":2},
		{"task_id":"task-0","new_position":99}
	],"reasoning":"deadline first"}`}
	store := &stubStore{staged: stagedTasks(3), scores: []model.TaskScore{{TaskID: "task-2", Score: 1}}}
	sink := &stubSink{}
	s := New(provider, store, &stubProfiles{}, sink, Config{}, quietLogger())

	s.RunNow(context.Background())

	if len(store.moves) != 1 || store.moves[0].TaskID != "task-2" {
		t.Fatalf("expected only the valid in-range move, got %v", store.moves)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("expected one score batch pushed, got %d", len(sink.batches))
	}
	if store.meta[metaLastRun] == "" {
		t.Fatalf("expected last-run timestamp persisted")
	}
}

func TestRerankEmptyResponseLeavesQueueAlone(t *testing.T) {
	provider := &stubProvider{response: `{"reranked_tasks":[],"reasoning":"order looks right"}`}
	store := &stubStore{staged: stagedTasks(3)}
	sink := &stubSink{}
	s := New(provider, store, &stubProfiles{}, sink, Config{}, quietLogger())

	s.RunNow(context.Background())

	if len(store.moves) != 0 {
		t.Fatalf("expected no moves, got %v", store.moves)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("expected no score push for an unchanged queue")
	}
}

func TestRerankSkipsSmallQueues(t *testing.T) {
	provider := &stubProvider{response: `{"reranked_tasks":[],"reasoning":""}`}
	store := &stubStore{staged: stagedTasks(1)}
	s := New(provider, store, &stubProfiles{}, nil, Config{}, quietLogger())

	s.RunNow(context.Background())

	if provider.calls != 0 {
		t.Fatalf("expected no model call for a single-task queue")
	}
}

func TestRerankRegeneratesStaleProfile(t *testing.T) {
	provider := &stubProvider{response: `{"reranked_tasks":[],"reasoning":""}`}
	store := &stubStore{staged: stagedTasks(2)}
	profiles := &stubProfiles{stale: true}
	s := New(provider, store, profiles, nil, Config{}, quietLogger())

	s.RunNow(context.Background())

	if !profiles.regenerated {
		t.Fatalf("expected stale profile to be regenerated before reranking")
	}
}

func TestRunIfDueHonorsPersistedLastRun(t *testing.T) {
	provider := &stubProvider{response: `{"reranked_tasks":[],"reasoning":""}`}
	store := &stubStore{staged: stagedTasks(2), meta: map[string]string{
		metaLastRun: time.Now().Add(-10 * time.Minute).Format(time.RFC3339),
	}}
	s := New(provider, store, &stubProfiles{}, nil, Config{}, quietLogger())

	s.runIfDue(context.Background())
	if provider.calls != 0 {
		t.Fatalf("expected recent last-run to suppress the pass")
	}

	store.meta[metaLastRun] = time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	s.runIfDue(context.Background())
	if provider.calls != 1 {
		t.Fatalf("expected overdue last-run to trigger the pass, got %d calls", provider.calls)
	}
}
