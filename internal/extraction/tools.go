package extraction

import (
	"encoding/json"
	"fmt"

	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
)

// Tool names offered to the model. search_similar and search_keywords are
// non-terminal; the other three end the loop.
const (
	toolSearchSimilar  = "search_similar"
	toolSearchKeywords = "search_keywords"
	toolNoTaskFound    = "no_task_found"
	toolExtractTask    = "extract_task"
	toolRejectTask     = "reject_task"
)

// SearchSimilarCall asks for a vector-similarity lookup.
type SearchSimilarCall struct {
	Query string `json:"query"`
}

// SearchKeywordsCall asks for a keyword lookup.
type SearchKeywordsCall struct {
	Query string `json:"query"`
}

// NoTaskFoundCall ends the loop with no task.
type NoTaskFoundCall struct {
	ContextSummary  string `json:"context_summary"`
	CurrentActivity string `json:"current_activity"`
}

// ExtractTaskCall ends the loop with a candidate task.
type ExtractTaskCall struct {
	model.ExtractedTask
}

// RejectTaskCall ends the loop because the candidate is already tracked.
type RejectTaskCall struct {
	Reason          string `json:"reason"`
	ContextSummary  string `json:"context_summary"`
	CurrentActivity string `json:"current_activity"`
}

// decodedCall is the typed form of one tool call; exactly one field is set.
type decodedCall struct {
	SearchSimilar  *SearchSimilarCall
	SearchKeywords *SearchKeywordsCall
	NoTaskFound    *NoTaskFoundCall
	ExtractTask    *ExtractTaskCall
	RejectTask     *RejectTaskCall
}

// decodeToolCall parses raw arguments into the matching typed call.
func decodeToolCall(tc llm.ToolCall) (decodedCall, error) {
	var out decodedCall
	switch tc.Name {
	case toolSearchSimilar:
		out.SearchSimilar = &SearchSimilarCall{}
		return out, unmarshalArgs(tc, out.SearchSimilar)
	case toolSearchKeywords:
		out.SearchKeywords = &SearchKeywordsCall{}
		return out, unmarshalArgs(tc, out.SearchKeywords)
	case toolNoTaskFound:
		out.NoTaskFound = &NoTaskFoundCall{}
		return out, unmarshalArgs(tc, out.NoTaskFound)
	case toolExtractTask:
		out.ExtractTask = &ExtractTaskCall{}
		return out, unmarshalArgs(tc, out.ExtractTask)
	case toolRejectTask:
		out.RejectTask = &RejectTaskCall{}
		return out, unmarshalArgs(tc, out.RejectTask)
	default:
		return out, fmt.Errorf("unknown tool: %s", tc.Name)
	}
}

func unmarshalArgs(tc llm.ToolCall, dst any) error {
	if err := json.Unmarshal(tc.Arguments, dst); err != nil {
		return fmt.Errorf("decode %s arguments: %w", tc.Name, err)
	}
	return nil
}

func objSchema(properties string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%s},"required":%s}`, properties, req))
}

// toolSchemas is the fixed 5-tool contract sent on every round.
func toolSchemas() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolSearchSimilar,
			Description: "Search for semantically similar existing tasks using vector similarity. Call this when you see a potential request and want to check for duplicates.",
			Parameters: objSchema(
				`"query":{"type":"string","description":"A concise description of the potential task to search for"}`,
				"query"),
		},
		{
			Name:        toolSearchKeywords,
			Description: "Search for existing tasks matching specific keywords. Use this for precise keyword-based matching complementing vector search.",
			Parameters: objSchema(
				`"query":{"type":"string","description":"Keywords to search for in existing tasks"}`,
				"query"),
		},
		{
			Name:        toolNoTaskFound,
			Description: "Call this when there is no actionable request on screen. This is the most common outcome (~90% of screenshots). Use for: code editors, terminals, settings, media players, dashboards, or any screen without a direct request from another person or AI.",
			Parameters: objSchema(
				`"context_summary":{"type":"string","description":"Brief summary of what the user is looking at"},`+
					`"current_activity":{"type":"string","description":"What the user is actively doing"}`,
				"context_summary", "current_activity"),
		},
		{
			Name:        toolExtractTask,
			Description: "Extract a new task that is not already tracked. Call ONLY after searching for duplicates. All fields are required.",
			Parameters: objSchema(
				`"title":{"type":"string","description":"Verb-first task title, 6-15 words. MUST name a specific person/project/artifact and a concrete action. If you can't write 6+ specific words, call no_task_found instead."},`+
					`"description":{"type":"string","description":"Additional context about the task. Empty string if none."},`+
					`"priority":{"type":"string","enum":["high","medium","low"],"description":"Task priority"},`+
					`"tags":{"type":"array","items":{"type":"string"},"description":"1-3 relevant tags"},`+
					`"source_app":{"type":"string","description":"App where the task was found"},`+
					`"inferred_deadline":{"type":"string","description":"Deadline in yyyy-MM-dd format (e.g. '2025-10-04'). Resolve relative references like 'Thursday' or 'next week' to an actual date. Empty string if no deadline."},`+
					`"confidence":{"type":"number","description":"Confidence score 0.0-1.0"},`+
					`"context_summary":{"type":"string","description":"Brief summary of what user is looking at"},`+
					`"current_activity":{"type":"string","description":"What the user is actively doing"},`+
					`"source_category":{"type":"string","enum":["direct_request","self_generated","calendar_driven","reactive","external_system","other"],"description":"Where the task originated"},`+
					`"source_subcategory":{"type":"string","enum":["message","meeting","mention","idea","reminder","goal_subtask","event_prep","recurring","deadline","error","notification","observation","project_tool","alert","documentation","other"],"description":"Specific origin within category"},`+
					`"relevance_score":{"type":"integer","description":"Where this task ranks relative to existing tasks. Look at the relevance_score values of existing active tasks and assign a score that places this task appropriately. 1 = most important/urgent, higher numbers = less important. Must be a positive integer."}`,
				"title", "description", "priority", "tags", "source_app", "inferred_deadline",
				"confidence", "context_summary", "current_activity", "source_category",
				"source_subcategory", "relevance_score"),
		},
		{
			Name:        toolRejectTask,
			Description: "Reject task extraction. The potential task is a duplicate, already completed, or was previously rejected by the user. Call after searching confirms this.",
			Parameters: objSchema(
				`"reason":{"type":"string","description":"Why this task was rejected (e.g. 'duplicate of existing active task', 'already completed')"},`+
					`"context_summary":{"type":"string","description":"Brief summary of what user is looking at"},`+
					`"current_activity":{"type":"string","description":"What the user is actively doing"}`,
				"reason", "context_summary", "current_activity"),
		},
	}
}
