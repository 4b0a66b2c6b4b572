// Package prioritize periodically reranks the staged queue against the
// user's goals and profile, persisting its last-run time so restarts do not
// reset the cadence.
package prioritize

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
	"github.com/BasedHardware/taskpilot/internal/telemetry"
)

// Store is the queue view the reranker reads and rewrites.
type Store interface {
	ListStaged(ctx context.Context, limit int) ([]model.StagedTask, error)
	ListActionItems(ctx context.Context, status model.TaskStatus, limit int) ([]model.ActionItem, error)
	ApplyRerank(ctx context.Context, moves []model.RerankInstruction) error
	BatchScores(ctx context.Context) ([]model.TaskScore, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Profiles supplies the prompt context and owns profile freshness.
type Profiles interface {
	Goals(ctx context.Context) []model.Goal
	ProfileText(ctx context.Context) string
	ShouldRegenerate() bool
	Regenerate(ctx context.Context) error
}

// ScoreSink receives the post-rerank score batch.
type ScoreSink interface {
	BatchUpdateScores(ctx context.Context, scores []model.TaskScore) error
}

const (
	metaLastRun    = "prioritize_last_run"
	defaultPeriod  = time.Hour
	checkTick      = 5 * time.Minute
	startupDelay   = 90 * time.Second
	completedLimit = 50
	minTasks       = 2
)

// Config tunes the reranker cadence.
type Config struct {
	Period time.Duration
}

// Scanner is the prioritization job. Runs are single-flight; the schedule
// survives restarts via the persisted last-run timestamp.
type Scanner struct {
	provider llm.Provider
	store    Store
	profiles Profiles
	sink     ScoreSink
	logger   *log.Logger
	period   time.Duration

	mu      sync.Mutex
	running bool
	now     func() time.Time
}

// New builds the scanner; sink may be nil.
func New(provider llm.Provider, store Store, profiles Profiles, sink ScoreSink, cfg Config, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.Default()
	}
	period := cfg.Period
	if period == 0 {
		period = defaultPeriod
	}
	return &Scanner{
		provider: provider,
		store:    store,
		profiles: profiles,
		sink:     sink,
		logger:   logger,
		period:   period,
		now:      time.Now,
	}
}

// Start launches the check loop: after a startup delay, every check tick it
// compares the persisted last-run time against the period and runs when due.
func (s *Scanner) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(startupDelay):
		}
		s.runIfDue(ctx)
		ticker := time.NewTicker(checkTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runIfDue(ctx)
			}
		}
	}()
}

func (s *Scanner) runIfDue(ctx context.Context) {
	raw, err := s.store.GetMeta(ctx, metaLastRun)
	if err != nil {
		s.logger.Printf("prioritize: read last run: %v", err)
		return
	}
	if raw != "" {
		last, err := time.Parse(time.RFC3339, raw)
		if err == nil && s.now().Sub(last) < s.period {
			return
		}
	}
	s.RunNow(ctx)
}

// RunNow forces a rerank pass immediately, bypassing the cadence check.
func (s *Scanner) RunNow(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Printf("prioritize: run already in progress, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.rerank(ctx); err != nil {
		s.logger.Printf("prioritize: rerank failed: %v", err)
		return
	}
	if err := s.store.SetMeta(ctx, metaLastRun, s.now().Format(time.RFC3339)); err != nil {
		s.logger.Printf("prioritize: persist last run: %v", err)
	}
}

type rerankResponse struct {
	RerankedTasks []model.RerankInstruction `json:"reranked_tasks"`
	Reasoning     string                    `json:"reasoning"`
}

var rerankSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "reranked_tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "task_id": {"type": "string"},
          "new_position": {"type": "integer"}
        },
        "required": ["task_id", "new_position"],
        "additionalProperties": false
      }
    },
    "reasoning": {"type": "string"}
  },
  "required": ["reranked_tasks", "reasoning"],
  "additionalProperties": false
}`)

const rerankSystemPrompt = `You prioritize a queue of staged tasks for a busy user. Rank by: explicit deadlines (sooner first), alignment with the user's stated goals, priority label, and how actionable the task is right now. Recently completed tasks show what the user actually follows through on. Only move tasks whose current position is wrong; return an empty reranked_tasks array if the order already looks right. Positions are 1-based within the listed queue.`

func (s *Scanner) rerank(ctx context.Context) error {
	if s.profiles.ShouldRegenerate() {
		if err := s.profiles.Regenerate(ctx); err != nil {
			s.logger.Printf("prioritize: profile regeneration failed: %v", err)
		}
	}

	staged, err := s.store.ListStaged(ctx, 0)
	if err != nil {
		return fmt.Errorf("list staged: %w", err)
	}
	if len(staged) < minTasks {
		s.logger.Printf("prioritize: only %d staged tasks, skipping", len(staged))
		return nil
	}
	completed, err := s.store.ListActionItems(ctx, model.StatusCompleted, completedLimit)
	if err != nil {
		s.logger.Printf("prioritize: list completed failed, continuing without: %v", err)
	}

	valid := make(map[string]bool, len(staged))
	var b strings.Builder
	if text := s.profiles.ProfileText(ctx); text != "" {
		b.WriteString("USER PROFILE:\n")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	if goals := s.profiles.Goals(ctx); len(goals) > 0 {
		b.WriteString("USER GOALS:\n")
		for _, g := range goals {
			fmt.Fprintf(&b, "- %s\n", g.Title)
		}
		b.WriteString("\n")
	}
	b.WriteString("STAGED QUEUE (current order, position 1 first):\n")
	for i, t := range staged {
		valid[t.ID] = true
		due := "none"
		if t.Deadline != nil {
			due = t.Deadline.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "%d. id:%s | due:%s | priority:%s | %s\n", i+1, t.ID, due, t.Priority, t.Title)
	}
	if len(completed) > 0 {
		b.WriteString("\nRECENTLY COMPLETED:\n")
		for _, c := range completed {
			fmt.Fprintf(&b, "- %s\n", c.Title)
		}
	}

	raw, err := s.provider.GenerateJSON(ctx, rerankSystemPrompt, b.String(), rerankSchema)
	if err != nil {
		return fmt.Errorf("rerank model call: %w", err)
	}
	var resp rerankResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return fmt.Errorf("decode rerank response: %w", err)
	}

	moves := make([]model.RerankInstruction, 0, len(resp.RerankedTasks))
	for _, m := range resp.RerankedTasks {
		if !valid[m.TaskID] {
			s.logger.Printf("prioritize: dropping unknown task id %q", m.TaskID)
			continue
		}
		if m.NewPosition < 1 || m.NewPosition > len(staged) {
			s.logger.Printf("prioritize: dropping out-of-range position %d for %s", m.NewPosition, m.TaskID)
			continue
		}
		moves = append(moves, m)
	}
	if len(moves) == 0 {
		s.logger.Printf("prioritize: no moves, queue unchanged")
		return nil
	}

	if err := s.store.ApplyRerank(ctx, moves); err != nil {
		return fmt.Errorf("apply rerank: %w", err)
	}
	telemetry.RerankMovesTotal.Add(float64(len(moves)))
	s.logger.Printf("prioritize: applied %d moves: %s", len(moves), resp.Reasoning)

	if s.sink != nil {
		scores, err := s.store.BatchScores(ctx)
		if err != nil {
			s.logger.Printf("prioritize: collect scores: %v", err)
			return nil
		}
		if err := s.sink.BatchUpdateScores(ctx, scores); err != nil {
			s.logger.Printf("prioritize: push scores: %v", err)
		}
	}
	return nil
}
