// Package dedup runs the hourly batch deduplication of staged tasks: one
// model call over the whole staged list, returning duplicate groups that are
// audited and then hard-deleted.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
	"github.com/BasedHardware/taskpilot/internal/telemetry"
)

// Store is the slice of the store the scanner consumes. Deletion only ever
// touches staged tasks, never action items.
type Store interface {
	CountStaged(ctx context.Context) (int, error)
	ListStaged(ctx context.Context, limit int) ([]model.StagedTask, error)
	DeleteStaged(ctx context.Context, id string) error
	CompactScoresAfterRemoval(ctx context.Context, removedScore float64) error
	InsertDedupAudit(ctx context.Context, deletedID, keptID, reason string) error
}

// Mirror propagates staged deletions to the remote backend.
type Mirror interface {
	DeleteStagedTask(ctx context.Context, id string) error
}

const (
	defaultSchedule = "0 * * * *"
	defaultCooldown = 30 * time.Minute
	minStagedTasks  = 3
)

// Config tunes the scanner.
type Config struct {
	// Schedule is a cron expression; empty means hourly on the hour.
	Schedule string
	Cooldown time.Duration
	MinTasks int
}

// Scanner is the dedup batch job. Single-flight: overlapping runs are skipped.
type Scanner struct {
	provider llm.Provider
	store    Store
	mirror   Mirror
	logger   *log.Logger
	cfg      Config
	schedule *cronexpr.Expression

	mu        sync.Mutex
	running   bool
	lastRun   time.Time
	now       func() time.Time
}

// New builds the scanner; mirror may be nil.
func New(provider llm.Provider, store Store, mirror Mirror, cfg Config, logger *log.Logger) (*Scanner, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MinTasks == 0 {
		cfg.MinTasks = minStagedTasks
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse dedup schedule: %w", err)
	}
	return &Scanner{
		provider: provider,
		store:    store,
		mirror:   mirror,
		logger:   logger,
		cfg:      cfg,
		schedule: expr,
		now:      time.Now,
	}, nil
}

// Start launches the schedule loop.
func (s *Scanner) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scanner) loop(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(s.now())):
			s.Run(ctx)
		}
	}
}

// Run executes one dedup pass. Honors the cooldown (forced runs included)
// and the minimum staged population; overlapping runs are skipped.
func (s *Scanner) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Printf("dedup: run already in progress, skipping")
		return
	}
	if !s.lastRun.IsZero() && s.now().Sub(s.lastRun) < s.cfg.Cooldown {
		s.mu.Unlock()
		s.logger.Printf("dedup: cooldown active, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRun = s.now()
		s.mu.Unlock()
	}()

	if err := s.scan(ctx); err != nil {
		s.logger.Printf("dedup: scan failed: %v", err)
	}
}

type duplicateGroup struct {
	KeepID    string   `json:"keep_id"`
	DeleteIDs []string `json:"delete_ids"`
	Reason    string   `json:"reason"`
}

type dedupResponse struct {
	DuplicateGroups []duplicateGroup `json:"duplicate_groups"`
}

var dedupSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duplicate_groups": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "keep_id": {"type": "string"},
          "delete_ids": {"type": "array", "items": {"type": "string"}},
          "reason": {"type": "string"}
        },
        "required": ["keep_id", "delete_ids", "reason"],
        "additionalProperties": false
      }
    }
  },
  "required": ["duplicate_groups"],
  "additionalProperties": false
}`)

const dedupSystemPrompt = `You deduplicate a queue of staged tasks. Two tasks are duplicates when they describe the same underlying action for the same person/project, even if worded differently. Group duplicates, pick the most specific/complete task as keep_id, and list the rest in delete_ids with a short reason. Tasks that are merely related (same project, different action) are NOT duplicates. Return an empty duplicate_groups array when nothing is duplicated.`

func (s *Scanner) scan(ctx context.Context) error {
	n, err := s.store.CountStaged(ctx)
	if err != nil {
		return fmt.Errorf("count staged: %w", err)
	}
	if n < s.cfg.MinTasks {
		s.logger.Printf("dedup: only %d staged tasks (< %d), skipping", n, s.cfg.MinTasks)
		return nil
	}
	staged, err := s.store.ListStaged(ctx, 0)
	if err != nil {
		return fmt.Errorf("list staged: %w", err)
	}

	valid := make(map[string]bool, len(staged))
	scores := make(map[string]*float64, len(staged))
	var b strings.Builder
	b.WriteString("STAGED TASKS:\n")
	for _, t := range staged {
		valid[t.ID] = true
		scores[t.ID] = t.RelevanceScore
		due := ""
		if t.Deadline != nil {
			due = t.Deadline.Format("2006-01-02")
		}
		text := t.Title
		if t.Description != "" && t.Description != t.Title {
			text = t.Title + ": " + t.Description
		}
		fmt.Fprintf(&b, "- id:%s | due:%s | priority:%s | source:%s/%s | created:%s | %s\n",
			t.ID, due, t.Priority, t.Category, t.Subcategory,
			t.CreatedAt.Format("2006-01-02 15:04"), text)
	}

	raw, err := s.provider.GenerateJSON(ctx, dedupSystemPrompt, b.String(), dedupSchema)
	if err != nil {
		return fmt.Errorf("dedup model call: %w", err)
	}
	var resp dedupResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		s.logger.Printf("dedup: unparseable response, treating as no duplicates: %v", err)
		return nil
	}

	deleted := 0
	var removedScores []float64
	for _, group := range resp.DuplicateGroups {
		if !valid[group.KeepID] {
			s.logger.Printf("dedup: dropping group with unknown keep_id %q", group.KeepID)
			continue
		}
		for _, id := range group.DeleteIDs {
			if !valid[id] {
				s.logger.Printf("dedup: dropping unknown delete id %q", id)
				continue
			}
			if id == group.KeepID {
				continue
			}
			// audit first so the rationale survives the hard delete
			if err := s.store.InsertDedupAudit(ctx, id, group.KeepID, group.Reason); err != nil {
				s.logger.Printf("dedup: audit insert for %s failed, skipping delete: %v", id, err)
				continue
			}
			if err := s.store.DeleteStaged(ctx, id); err != nil {
				s.logger.Printf("dedup: delete %s failed: %v", id, err)
				continue
			}
			if s.mirror != nil {
				if err := s.mirror.DeleteStagedTask(ctx, id); err != nil {
					s.logger.Printf("dedup: backend delete %s failed: %v", id, err)
				}
			}
			telemetry.DedupDeletionsTotal.Inc()
			deleted++
			if sc := scores[id]; sc != nil {
				removedScores = append(removedScores, *sc)
			}
		}
	}

	// compact highest slot first so lower removed scores stay valid thresholds
	sort.Sort(sort.Reverse(sort.Float64Slice(removedScores)))
	for _, sc := range removedScores {
		if err := s.store.CompactScoresAfterRemoval(ctx, sc); err != nil {
			s.logger.Printf("dedup: compact scores at %.0f failed: %v", sc, err)
		}
	}
	s.logger.Printf("dedup: scan complete, %d groups, %d deleted", len(resp.DuplicateGroups), deleted)
	return nil
}
