package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
)

type stubStore struct {
	staged    []model.StagedTask
	deleted   []string
	audits    []string
	compacted []float64
	listErr   error
}

func (s *stubStore) CountStaged(context.Context) (int, error) {
	return len(s.staged), s.listErr
}
func (s *stubStore) ListStaged(context.Context, int) ([]model.StagedTask, error) {
	return s.staged, s.listErr
}
func (s *stubStore) CompactScoresAfterRemoval(_ context.Context, score float64) error {
	s.compacted = append(s.compacted, score)
	return nil
}
func (s *stubStore) DeleteStaged(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}
func (s *stubStore) InsertDedupAudit(_ context.Context, deletedID, keptID, reason string) error {
	s.audits = append(s.audits, deletedID)
	return nil
}

type stubProvider struct {
	response string
	err      error
	calls    int
	prompt   string
}

func (p *stubProvider) ChatWithTools(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{}, fmt.Errorf("not used")
}
func (p *stubProvider) GenerateJSON(_ context.Context, _ string, prompt string, _ json.RawMessage) (string, error) {
	p.calls++
	p.prompt = prompt
	return p.response, p.err
}
func (p *stubProvider) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func stagedTasks(n int) []model.StagedTask {
	out := make([]model.StagedTask, n)
	for i := range out {
		out[i] = model.StagedTask{
			ID:        fmt.Sprintf("task-%d", i),
			Title:     fmt.Sprintf("Send Marta the revised budget draft %d", i),
			Priority:  model.PriorityMedium,
			CreatedAt: time.Now(),
		}
	}
	return out
}

func newScanner(t *testing.T, provider *stubProvider, store *stubStore) *Scanner {
	t.Helper()
	s, err := New(provider, store, nil, Config{}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDedupDeletesValidatedGroups(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[
		{"keep_id":"task-0","delete_ids":["task-1","task-2"],"reason":"same budget draft"}
	]}`}
	store := &stubStore{staged: stagedTasks(3)}
	s := newScanner(t, provider, store)

	s.Run(context.Background())

	if len(store.deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %v", store.deleted)
	}
	if len(store.audits) != 2 {
		t.Fatalf("expected audit per deletion, got %d", len(store.audits))
	}
}

func TestDedupDropsHallucinatedIDs(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[
		{"keep_id":"task-0","delete_ids":["made-up","task-1"],"reason":"dup"},
		{"keep_id":"ghost","delete_ids":["task-2"],"reason":"dup"}
	]}`}
	store := &stubStore{staged: stagedTasks(3)}
	s := newScanner(t, provider, store)

	s.Run(context.Background())

	if len(store.deleted) != 1 || store.deleted[0] != "task-1" {
		t.Fatalf("expected only task-1 deleted, got %v", store.deleted)
	}
}

func TestDedupSkipsSmallPopulations(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[]}`}
	store := &stubStore{staged: stagedTasks(2)}
	s := newScanner(t, provider, store)

	s.Run(context.Background())

	if provider.calls != 0 {
		t.Fatalf("expected no model call below minimum population")
	}
}

func TestDedupCooldown(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[]}`}
	store := &stubStore{staged: stagedTasks(3)}
	s := newScanner(t, provider, store)

	s.Run(context.Background())
	if provider.calls != 1 {
		t.Fatalf("expected first run to call the model")
	}

	// second run inside the cooldown is skipped, even when forced
	s.Run(context.Background())
	if provider.calls != 1 {
		t.Fatalf("expected cooldown to skip the second run, got %d calls", provider.calls)
	}

	s.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	s.Run(context.Background())
	if provider.calls != 2 {
		t.Fatalf("expected run after cooldown expiry, got %d calls", provider.calls)
	}
}

func TestDedupPromptCarriesDescriptions(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[]}`}
	staged := stagedTasks(3)
	staged[0].Description = "the one Marta asked for in standup"
	store := &stubStore{staged: staged}
	s := newScanner(t, provider, store)

	s.Run(context.Background())

	if !strings.Contains(provider.prompt, "the one Marta asked for in standup") {
		t.Fatalf("description missing from prompt:\n%s", provider.prompt)
	}
	if !strings.Contains(provider.prompt, staged[0].Title+": ") {
		t.Fatalf("expected title and description joined, got:\n%s", provider.prompt)
	}
}

func TestDedupCompactsScoresHighestFirst(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[
		{"keep_id":"task-0","delete_ids":["task-1","task-2"],"reason":"dup"}
	]}`}
	staged := stagedTasks(3)
	lo, hi := 2.0, 7.0
	staged[1].RelevanceScore = &lo
	staged[2].RelevanceScore = &hi
	store := &stubStore{staged: staged}
	s := newScanner(t, provider, store)

	s.Run(context.Background())

	if len(store.compacted) != 2 || store.compacted[0] != 7 || store.compacted[1] != 2 {
		t.Fatalf("expected compaction at 7 then 2, got %v", store.compacted)
	}
}

func TestDedupKeepIDNeverDeleted(t *testing.T) {
	provider := &stubProvider{response: `{"duplicate_groups":[
		{"keep_id":"task-0","delete_ids":["task-0","task-1"],"reason":"dup"}
	]}`}
	store := &stubStore{staged: stagedTasks(3)}
	s := newScanner(t, provider, store)

	s.Run(context.Background())

	for _, id := range store.deleted {
		if id == "task-0" {
			t.Fatalf("keep_id was deleted")
		}
	}
}
