// Package extraction runs the bounded tool-calling loop that turns a captured
// screen frame into zero or one staged tasks.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
	"github.com/BasedHardware/taskpilot/internal/searchidx"
	"github.com/BasedHardware/taskpilot/internal/telemetry"
)

// TaskStore is the slice of the store the engine consumes.
type TaskStore interface {
	SearchVector(ctx context.Context, vector []float32, topK int) ([]model.SearchResult, error)
	SearchKeyword(ctx context.Context, query string, topK int) ([]model.SearchResult, error)
	InsertStaged(ctx context.Context, rec model.StagedTask) (string, error)
	InsertStagedWithScoreShift(ctx context.Context, rec model.StagedTask) (string, error)
	UpdateEmbedding(ctx context.Context, id string, vec []float32) error
	MarkSynced(ctx context.Context, id string) error
	ListStaged(ctx context.Context, limit int) ([]model.StagedTask, error)
	ListActionItems(ctx context.Context, status model.TaskStatus, limit int) ([]model.ActionItem, error)
	ScoreRange(ctx context.Context) (min, max float64, err error)
}

// Mirror pushes staged tasks to the remote backend.
type Mirror interface {
	CreateStagedTask(ctx context.Context, rec model.StagedTask) error
}

// ContextSource supplies cached goals and profile text.
type ContextSource interface {
	Goals(ctx context.Context) []model.Goal
	ProfileText(ctx context.Context) string
}

// Sink receives one observation per invocation, fire-and-forget.
type Sink interface {
	Emit(obs model.Observation)
}

const (
	maxRounds        = 5
	searchTopK       = 10
	minVectorSim     = 0.3
	activeContextN   = 30
	completedContext = 10
	deletedContext   = 10
)

// Config tunes the engine.
type Config struct {
	SystemPrompt  string
	MinConfidence float64
}

// Engine runs extraction invocations. One invocation at a time is enforced by
// the trigger controller, not here.
type Engine struct {
	provider llm.Provider
	store    TaskStore
	index    *searchidx.Index
	mirror   Mirror
	contexts ContextSource
	sink     Sink
	logger   *log.Logger

	systemPrompt  string
	minConfidence float64
	now           func() time.Time
}

// New wires an extraction engine. mirror and sink may be nil.
func New(provider llm.Provider, store TaskStore, index *searchidx.Index, mirror Mirror, contexts ContextSource, sink Sink, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	minConf := cfg.MinConfidence
	if minConf == 0 {
		minConf = 0.75
	}
	return &Engine{
		provider:      provider,
		store:         store,
		index:         index,
		mirror:        mirror,
		contexts:      contexts,
		sink:          sink,
		logger:        logger,
		systemPrompt:  prompt,
		minConfidence: minConf,
		now:           time.Now,
	}
}

// Process runs one full extraction cycle for a frame: the tool loop, the
// observation record, the confidence filter, and persistence. Errors never
// propagate; a failed invocation is a logged no-op.
func (e *Engine) Process(ctx context.Context, frame model.CapturedFrame, trigger string) {
	result, err := e.extract(ctx, frame)
	outcome := e.classify(result, err)
	telemetry.ExtractionsTotal.WithLabelValues(trigger, outcome).Inc()

	e.emitObservation(frame, trigger, outcome, result)

	if err != nil {
		e.logger.Printf("task: extraction failed: %v", err)
		return
	}
	if result == nil || result.Task == nil {
		return
	}
	task := result.Task

	if task.Confidence < e.minConfidence {
		e.logger.Printf("task: [%d%% < %d%%] filtered: %q",
			int(task.Confidence*100), int(e.minConfidence*100), task.Title)
		return
	}
	e.logger.Printf("task: [%d%% conf.] %q", int(task.Confidence*100), task.Title)

	e.persist(ctx, frame, result)
}

func (e *Engine) classify(result *model.TaskExtractionResult, err error) string {
	switch {
	case err != nil:
		return model.OutcomeError
	case result == nil:
		return model.OutcomeExhausted
	case result.Rejected:
		return model.OutcomeRejected
	case result.Task == nil:
		return model.OutcomeNoTask
	case result.Task.Confidence < e.minConfidence:
		return model.OutcomeLowConfidence
	default:
		return model.OutcomeExtracted
	}
}

func (e *Engine) emitObservation(frame model.CapturedFrame, trigger, outcome string, result *model.TaskExtractionResult) {
	if e.sink == nil {
		return
	}
	obs := model.Observation{
		AppName:    frame.AppName,
		Trigger:    trigger,
		Outcome:    outcome,
		OccurredAt: e.now().UTC(),
	}
	if result != nil {
		obs.ContextSummary = result.ContextSummary
		obs.CurrentActivity = result.CurrentActivity
		if result.Task != nil {
			obs.HasTask = true
			obs.TaskTitle = result.Task.Title
			obs.SourceCategory = result.Task.Category
			obs.Subcategory = result.Task.Subcategory
			if result.Task.SourceApp != "" {
				obs.AppName = result.Task.SourceApp
			}
		}
	}
	e.sink.Emit(obs)
}

// extract runs the bounded tool loop. A nil result with nil error means the
// loop exhausted its rounds without a terminal tool call.
func (e *Engine) extract(ctx context.Context, frame model.CapturedFrame) (*model.TaskExtractionResult, error) {
	pc := e.gatherContext(ctx)
	prompt := buildUserPrompt(frame.AppName, e.now(), pc)

	transcript := []llm.Message{
		{Role: llm.RoleSystem, Text: e.systemPrompt},
		{Role: llm.RoleUser, Text: prompt, Image: frame.Image},
	}
	tools := toolSchemas()

	searchCount := 0
	titleRetried := false
	searchRetried := false

	for round := 0; round < maxRounds; round++ {
		resp, err := e.provider.ChatWithTools(ctx, llm.ChatRequest{
			Messages:  transcript,
			Tools:     tools,
			ForceTool: round == 0,
		})
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		if len(resp.ToolCalls) == 0 {
			e.logger.Printf("task: no tool call on round %d, breaking", round)
			break
		}
		tc := resp.ToolCalls[0]
		call, err := decodeToolCall(tc)
		if err != nil {
			e.logger.Printf("task: %v, breaking", err)
			break
		}

		switch {
		case call.NoTaskFound != nil:
			e.logger.Printf("task: no_task_found: %s", call.NoTaskFound.ContextSummary)
			return &model.TaskExtractionResult{
				ContextSummary:  call.NoTaskFound.ContextSummary,
				CurrentActivity: call.NoTaskFound.CurrentActivity,
				SearchCount:     searchCount,
				Rounds:          round + 1,
			}, nil

		case call.RejectTask != nil:
			e.logger.Printf("task: reject_task: %s", call.RejectTask.Reason)
			return &model.TaskExtractionResult{
				Rejected:        true,
				RejectReason:    call.RejectTask.Reason,
				ContextSummary:  call.RejectTask.ContextSummary,
				CurrentActivity: call.RejectTask.CurrentActivity,
				SearchCount:     searchCount,
				Rounds:          round + 1,
			}, nil

		case call.SearchSimilar != nil:
			searchCount++
			e.logger.Printf("task: search_similar query: %q", call.SearchSimilar.Query)
			results := e.vectorSearch(ctx, call.SearchSimilar.Query)
			transcript = appendToolExchange(transcript, tc, serializeResults(results))

		case call.SearchKeywords != nil:
			searchCount++
			e.logger.Printf("task: search_keywords query: %q", call.SearchKeywords.Query)
			results := e.keywordSearch(ctx, call.SearchKeywords.Query)
			transcript = appendToolExchange(transcript, tc, serializeResults(results))

		case call.ExtractTask != nil:
			task := call.ExtractTask.ExtractedTask

			if searchCount == 0 && !searchRetried {
				searchRetried = true
				e.logger.Printf("task: extract_task before any search, demanding a search first")
				feedback := "REJECTED: you must call search_similar or search_keywords at least once before extract_task. Search for duplicates of this task, then extract or reject based on the results."
				transcript = appendToolExchange(transcript, tc, feedback)
				continue
			}

			if reason := validateTitle(task.Title); reason != "" {
				telemetry.TitleRejectionsTotal.Inc()
				e.logger.Printf("task: title rejected (%s): %q", reason, task.Title)
				if titleRetried {
					// retry budget spent, settle for no task
					return &model.TaskExtractionResult{
						ContextSummary:  task.ContextSummary,
						CurrentActivity: task.CurrentActivity,
						SearchCount:     searchCount,
						Rounds:          round + 1,
					}, nil
				}
				titleRetried = true
				feedback := fmt.Sprintf(
					"REJECTED: %s. Your title was: %q (%d words). Either rewrite with 6+ words including a specific person/project name and concrete action, or call no_task_found if you cannot be more specific.",
					reason, task.Title, wordCount(task.Title))
				transcript = appendToolExchange(transcript, tc, feedback)
				continue
			}

			task.Category, task.Subcategory = model.NormalizeSource(task.Category, task.Subcategory)
			if task.SourceApp == "" {
				task.SourceApp = frame.AppName
			}
			e.logger.Printf("task: extract_task %q (confidence: %.2f, priority: %s, score: %d)",
				task.Title, task.Confidence, task.Priority, task.RelevanceScore)
			return &model.TaskExtractionResult{
				Task:            &task,
				ContextSummary:  task.ContextSummary,
				CurrentActivity: task.CurrentActivity,
				SearchCount:     searchCount,
				Rounds:          round + 1,
			}, nil
		}
	}

	e.logger.Printf("task: loop exhausted after %d searches without terminal tool", searchCount)
	return nil, nil
}

func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

func appendToolExchange(transcript []llm.Message, tc llm.ToolCall, response string) []llm.Message {
	transcript = append(transcript, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{tc},
	})
	transcript = append(transcript, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: tc.ID,
		Text:       response,
	})
	return transcript
}

func serializeResults(results []model.SearchResult) string {
	if len(results) == 0 {
		return "[]"
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// vectorSearch embeds the query and searches the store; hits below the
// similarity floor are dropped. A store failure degrades to the in-memory
// index rather than returning nothing.
func (e *Engine) vectorSearch(ctx context.Context, query string) []model.SearchResult {
	vecs, err := e.provider.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		e.logger.Printf("task: query embedding failed: %v", err)
		return e.indexFallback(query, nil)
	}
	results, err := e.store.SearchVector(ctx, vecs[0], searchTopK)
	if err != nil {
		e.logger.Printf("task: vector search failed: %v", err)
		return e.indexFallback(query, vecs[0])
	}
	filtered := results[:0]
	for _, r := range results {
		if r.Similarity != nil && *r.Similarity > minVectorSim {
			filtered = append(filtered, r)
		}
	}
	e.logger.Printf("task: vector search returned %d results", len(filtered))
	return filtered
}

func (e *Engine) keywordSearch(ctx context.Context, query string) []model.SearchResult {
	ftsQuery := buildKeywordQuery(query)
	if ftsQuery == "" {
		return nil
	}
	results, err := e.store.SearchKeyword(ctx, ftsQuery, searchTopK)
	if err != nil {
		e.logger.Printf("task: keyword search failed: %v", err)
		return e.indexFallback(query, nil)
	}
	e.logger.Printf("task: keyword search returned %d results", len(results))
	return results
}

// indexFallback serves duplicate candidates from the in-memory hybrid index
// when the store is unavailable. Status defaults to active: staged tasks are
// the only records the index holds.
func (e *Engine) indexFallback(query string, vec []float32) []model.SearchResult {
	if e.index == nil {
		return nil
	}
	hits, err := e.index.Hybrid(query, vec, searchTopK)
	if err != nil {
		e.logger.Printf("task: index fallback failed: %v", err)
		return nil
	}
	out := make([]model.SearchResult, 0, len(hits))
	for _, h := range hits {
		sim := h.Score
		out = append(out, model.SearchResult{
			ID:          h.ID,
			Description: h.Text,
			Status:      model.StatusActive,
			Similarity:  &sim,
			MatchType:   model.MatchVector,
		})
	}
	return out
}

func (e *Engine) gatherContext(ctx context.Context) promptContext {
	var pc promptContext

	active, err := e.store.ListActionItems(ctx, model.StatusActive, activeContextN)
	if err != nil {
		e.logger.Printf("task: failed to load active tasks: %v", err)
	}
	for _, t := range active {
		pc.ActiveTasks = append(pc.ActiveTasks, contextTask{
			Description:    taskText(t.Title, t.Description),
			Priority:       string(t.Priority),
			RelevanceScore: t.RelevanceScore,
		})
	}

	// staged tasks join the active list so the loop sees not-yet-promoted work
	staged, err := e.store.ListStaged(ctx, activeContextN)
	if err != nil {
		e.logger.Printf("task: failed to load staged tasks: %v", err)
	}
	for _, t := range staged {
		pc.ActiveTasks = append(pc.ActiveTasks, contextTask{
			Description:    taskText(t.Title, t.Description),
			Priority:       string(t.Priority),
			RelevanceScore: t.RelevanceScore,
		})
	}

	completed, err := e.store.ListActionItems(ctx, model.StatusCompleted, completedContext)
	if err != nil {
		e.logger.Printf("task: failed to load completed tasks: %v", err)
	}
	for _, t := range completed {
		pc.CompletedTasks = append(pc.CompletedTasks, contextTask{Description: taskText(t.Title, t.Description)})
	}

	deleted, err := e.store.ListActionItems(ctx, model.StatusDeleted, deletedContext)
	if err != nil {
		e.logger.Printf("task: failed to load deleted tasks: %v", err)
	}
	for _, t := range deleted {
		pc.DeletedTasks = append(pc.DeletedTasks, contextTask{Description: taskText(t.Title, t.Description)})
	}

	if lo, hi, err := e.store.ScoreRange(ctx); err == nil && hi > 0 {
		pc.ScoreMin, pc.ScoreMax, pc.HasScores = lo, hi, true
	}

	if e.contexts != nil {
		pc.Goals = e.contexts.Goals(ctx)
		pc.ProfileText = e.contexts.ProfileText(ctx)
	}
	return pc
}

func taskText(title, description string) string {
	if description != "" && description != title {
		return title + ": " + description
	}
	return title
}

// persist writes the surviving task to staging, schedules the embedding, and
// mirrors the record to the backend. Store failures are logged and skipped.
func (e *Engine) persist(ctx context.Context, frame model.CapturedFrame, result *model.TaskExtractionResult) {
	task := result.Task

	rec := model.StagedTask{
		Title:          task.Title,
		Description:    task.Description,
		Priority:       task.Priority,
		Tags:           task.Tags,
		Confidence:     task.Confidence,
		Category:       task.Category,
		Subcategory:    task.Subcategory,
		SourceApp:      task.SourceApp,
		ContextSummary: result.ContextSummary,
		CreatedAt:      e.now().UTC(),
	}
	if task.RelevanceScore > 0 {
		score := float64(task.RelevanceScore)
		rec.RelevanceScore = &score
	}
	if deadline, past := parseDeadline(task.InferredDeadline, e.now()); deadline != nil {
		rec.Deadline = deadline
	} else if past {
		e.logger.Printf("task: rejected past due date %q, deadlines must be today or later", task.InferredDeadline)
	}

	var (
		id  string
		err error
	)
	if rec.RelevanceScore != nil {
		id, err = e.store.InsertStagedWithScoreShift(ctx, rec)
	} else {
		id, err = e.store.InsertStaged(ctx, rec)
	}
	if err != nil {
		e.logger.Printf("task: failed to save staged task: %v", err)
		return
	}
	rec.ID = id
	telemetry.TasksStagedTotal.Inc()
	e.logger.Printf("task: saved to staged_tasks (id: %s)", id)

	// embedding is attached in the background so the trigger path stays quick
	go e.embedStaged(context.WithoutCancel(ctx), id, task.Title)

	if e.mirror != nil {
		if err := e.mirror.CreateStagedTask(ctx, rec); err != nil {
			e.logger.Printf("task: failed to sync to backend: %v", err)
		} else if err := e.store.MarkSynced(ctx, id); err != nil {
			e.logger.Printf("task: failed to update sync status: %v", err)
		}
	}
}

func (e *Engine) embedStaged(ctx context.Context, id, text string) {
	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		e.logger.Printf("task: failed to generate embedding for %s: %v", id, err)
		return
	}
	if err := e.store.UpdateEmbedding(ctx, id, vecs[0]); err != nil {
		e.logger.Printf("task: failed to store embedding for %s: %v", id, err)
	}
	if e.index != nil {
		if err := e.index.Add(id, text); err != nil {
			e.logger.Printf("task: failed to index %s: %v", id, err)
			return
		}
		e.index.SetVector(id, vecs[0])
	}
}
