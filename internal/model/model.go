// Package model holds the shared data types of the task-extraction pipeline.
package model

import "time"

// TaskStatus is the lifecycle state of a task as seen by dedup search.
type TaskStatus string

const (
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
	StatusDeleted   TaskStatus = "deleted"
)

// Priority buckets map onto the backend's triage lanes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// CapturedFrame is one observed screen frame handed to the assistant by the
// capture layer. Image is the raw encoded screenshot (PNG or JPEG).
type CapturedFrame struct {
	AppName     string    `json:"app_name"`
	WindowTitle string    `json:"window_title"`
	Image       []byte    `json:"-"`
	CapturedAt  time.Time `json:"captured_at"`
}

// ExtractedTask is the model's terminal extract_task payload after decoding.
// All fields are required by the tool schema.
type ExtractedTask struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Priority         Priority `json:"priority"`
	Tags             []string `json:"tags"`
	SourceApp        string   `json:"source_app"`
	InferredDeadline string   `json:"inferred_deadline"`
	Confidence       float64  `json:"confidence"`
	ContextSummary   string   `json:"context_summary"`
	CurrentActivity  string   `json:"current_activity"`
	Category         string   `json:"source_category"`
	Subcategory      string   `json:"source_subcategory"`
	RelevanceScore   int      `json:"relevance_score"`
}

// TaskExtractionResult is what one extraction invocation settles on. Context
// fields are populated whatever the outcome; Task is nil unless a task was
// extracted and validated.
type TaskExtractionResult struct {
	Task            *ExtractedTask
	Rejected        bool
	RejectReason    string
	ContextSummary  string
	CurrentActivity string
	SearchCount     int
	Rounds          int
}

// StagedTask is a candidate task awaiting promotion into the action list.
type StagedTask struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Priority       Priority   `json:"priority"`
	Tags           []string   `json:"tags,omitempty"`
	Confidence     float64    `json:"confidence"`
	Category       string     `json:"source_category"`
	Subcategory    string     `json:"source_subcategory"`
	RelevanceScore *float64   `json:"relevance_score,omitempty"`
	SourceApp      string     `json:"source_app"`
	ContextSummary string     `json:"context_summary,omitempty"`
	Synced         bool       `json:"synced"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActionItem is a promoted, user-visible task.
type ActionItem struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Priority       Priority   `json:"priority"`
	Status         TaskStatus `json:"status"`
	RelevanceScore *float64   `json:"relevance_score,omitempty"`
	Source         string     `json:"source"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// SearchResult is one hit returned to the model by the search tools.
type SearchResult struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	Similarity     *float64   `json:"similarity,omitempty"`
	MatchType      string     `json:"match_type"`
	RelevanceScore *float64   `json:"relevance_score,omitempty"`
}

// Match types reported on SearchResult.
const (
	MatchVector = "vector"
	MatchFTS    = "fts"
)

// Observation is the per-invocation audit record emitted regardless of outcome.
type Observation struct {
	ID              string    `json:"id"`
	AppName         string    `json:"app_name"`
	ContextSummary  string    `json:"context_summary"`
	CurrentActivity string    `json:"current_activity"`
	HasTask         bool      `json:"has_task"`
	TaskTitle       string    `json:"task_title,omitempty"`
	SourceCategory  string    `json:"source_category,omitempty"`
	Subcategory     string    `json:"source_subcategory,omitempty"`
	Trigger         string    `json:"trigger"`
	Outcome         string    `json:"outcome"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Trigger sources recorded on observations.
const (
	TriggerContextSwitch = "context_switch"
	TriggerFallbackTimer = "fallback_timer"
)

// Observation outcomes.
const (
	OutcomeExtracted     = "extracted"
	OutcomeNoTask        = "no_task_found"
	OutcomeRejected      = "rejected"
	OutcomeLowConfidence = "low_confidence"
	OutcomeExhausted     = "loop_exhausted"
	OutcomeError         = "error"
)

// Goal is one user goal pulled from the backend for prompt context.
type Goal struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// UserProfile is the backend-generated free-text profile of the user.
type UserProfile struct {
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
}

// RerankInstruction moves one staged task to a new position. Tasks absent from
// a rerank batch keep their positions.
type RerankInstruction struct {
	TaskID      string `json:"task_id"`
	NewPosition int    `json:"new_position"`
}

// TaskScore pairs a task with its current relevance score for batch sync.
type TaskScore struct {
	TaskID string  `json:"task_id"`
	Score  float64 `json:"score"`
}

// PromoteResult reports one promotion attempt against the staged queue.
type PromoteResult struct {
	Promoted bool        `json:"promoted"`
	Reason   string      `json:"reason,omitempty"`
	Task     *ActionItem `json:"promoted_task,omitempty"`
	StagedID string      `json:"staged_id,omitempty"`
}
