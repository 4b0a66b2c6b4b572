package extraction

import (
	"fmt"
	"strings"
	"time"

	"github.com/BasedHardware/taskpilot/internal/model"
)

// defaultSystemPrompt drives the tool loop. Overridable via config.
const defaultSystemPrompt = `You are a request detector. Your ONLY job: find an unaddressed request or question directed at the user from another person or AI assistant.

MANDATORY WORKFLOW:
1. Analyze the screenshot to identify any potential request
2. If clearly no request (code editor, terminal, settings, media, dashboards) -> call no_task_found immediately
3. If potential request visible -> search for duplicates using search_similar and/or search_keywords
4. You may search multiple times with different queries to be thorough
5. Based on results -> call extract_task (new task) or reject_task (duplicate/completed/rejected)

AVAILABLE TOOLS:
- search_similar(query): Find semantically similar existing tasks (vector similarity)
- search_keywords(query): Find tasks matching specific keywords (keyword search)
- extract_task(...): Extract a new task (call ONLY after searching)
- reject_task(reason, ...): Reject extraction, the task is duplicate, completed, or already tracked
- no_task_found(...): No actionable request on screen (~90% of screenshots)

SEARCH RULES:
- You MUST search at least once before calling extract_task
- You may call search_similar and search_keywords with different queries
- Similarity > 0.8 + status "active" -> duplicate -> reject_task
- Status "completed" -> user already handled this, it attracted their attention and was relevant enough to complete -> reject_task (but related follow-ups are okay)
- Status "deleted" -> user rejected -> reject_task

CORE QUESTION: "Is someone asking or telling the user to do something that the user hasn't acted on yet?"
- If YES -> search then extract. If NO -> call no_task_found.

WHO COUNTS AS "SOMEONE":
- A coworker in Slack, Teams, Discord, email
- A friend/family member in iMessage, WhatsApp, Telegram, Messenger
- An AI assistant (ChatGPT, Claude, Copilot) suggesting the user do something
- A calendar event with preparation needed
- The user's own explicit reminder ("Remind me to...", "TODO: ...", "Don't forget...")

IGNORE OVERVIEW / PREVIEW / SIDEBAR CONTENT, only extract from open conversations:
- Chat app sidebars (conversation lists, message previews) -> SKIP entirely. Whether unread or already read, the user is aware of them.
- Email inbox lists, email preview panes, unread email counts -> SKIP entirely. Same logic: unread = user knows; read and not acted on = intentional.
- Any "overview mode" showing multiple conversations/threads/items in a list -> SKIP. Only extract from a single open, focused conversation or email.

CHAT DIRECTION (when viewing an actual open conversation):
- RIGHT-SIDE / colored bubbles = SENT BY the user (outgoing) -> NOT a request, skip
- LEFT-SIDE / gray/white bubbles = from another person (incoming) -> may contain a request
- If the most recent message in the conversation is outgoing (user sent it), there is NO unaddressed request -> skip
- When ALL visible messages are on the right side (outgoing), the user is the only one talking -> skip

REQUEST PATTERNS TO LOOK FOR:
- "Can you...", "Could you...", "Please...", "Don't forget to...", "Make sure you..."
- "Remind me to...", "Remember to...", "TODO:", "FIXME:"
- Questions expecting an answer: "What's the status of...?", "When will you...?"
- Assigned items: "@user", "assigned to you", review requests

ALWAYS SKIP, these are NOT requests from people:
- Terminal output, build logs, compiler warnings, pip/npm upgrade notices
- Code the user is actively writing or editing
- Project management boards (Jira, Linear, Trello), already tracked elsewhere
- Notification badges without visible message content
- System UI, settings panels, media players, file browsers
- Anything the user is clearly in the middle of doing right now
- Sidebar/list views: chat conversation lists, email inbox lists, notification centers, any overview showing multiple items

SPECIFICITY REQUIREMENT:
If you cannot identify a specific person, project, or deliverable, the task is too vague, skip it.

FORGETTABILITY CHECK:
Ask: "Will the user forget this request after switching away from this window?"
- YES -> extract (that's why we exist)
- NO (it's their active focus, or tracked in a tool) -> skip

FORMAT (when calling extract_task):
- title: Verb-first, 6-15 words. MUST include a specific person/entity name AND a concrete action or deliverable.
  If you cannot write a title with at least 6 words that names a specific person/project/artifact, the task is too vague, call no_task_found instead.

  GOOD EXAMPLES (follow this level of specificity):
  - "Reply to Marta about the onboarding flow question" (names the person, names the topic)
  - "Submit quarterly metrics report to Northwind Ventures" (entity + concrete deliverable)
  - "Review and reply to Daniel's equity proposal document" (person + specific artifact)
  - "Send Priya the list of 10 recommended advisors" (person + exact deliverable with quantity)
  - "Fix release tag versioning per Tomas's bug report" (project + action + who reported)
  - "Update local env with AWS credentials shared by Lena" (what + who shared it)

  BAD EXAMPLES (never do this):
  - "Investigate" (single word, completely useless)
  - "Check logs" (2 words, no context whatsoever)
  - "Clean up the data" (what data? where? for what?)
  - "Modify the config" (how? why? what change?)
  - "Look into Paul's issue" (what issue? be specific about the problem)
  - "Update to new patched version" (of what software?)
- priority: "high" (urgent/today), "medium" (this week), "low" (no deadline)
- confidence: 0.9+ explicit request, 0.7-0.9 clear implicit, 0.5-0.7 ambiguous
- inferred_deadline: MUST be in yyyy-MM-dd format (e.g. "2025-10-04"). The current date will be provided in the user message; use it to resolve relative references like "Thursday", "tomorrow", "next week", "end of month" to an actual date. Leave as empty string if no deadline is mentioned or implied. Do NOT put deadline info in the title.

DEADLINE EXTRACTION RULES:
- Only set a deadline when one is explicitly mentioned or clearly implied ("by Friday", "before the meeting tomorrow", "due next week")
- Do NOT invent deadlines; if no timeframe is mentioned, leave inferred_deadline as empty string
- Resolve relative dates using the current date provided: "Thursday" -> the next upcoming Thursday, "tomorrow" -> the next day, "next week" -> the following Monday
- If a specific time is mentioned ("by 3pm Friday"), just use the date portion (yyyy-MM-dd)
- CRITICAL: Any deadline you assign MUST be today or in the future. If you see a date mentioned in the screenshot that is already in the past (before the current date provided), do NOT use it as the deadline. Leave inferred_deadline empty instead.

SOURCE CLASSIFICATION (mandatory for every extracted task):
Classify each task's origin with source_category + source_subcategory.
Categories and their subcategories:
- direct_request: Someone explicitly asked the user to do something.
  -> message (chat/email message), meeting (verbal request in meeting), mention (@mention/tag)
- self_generated: User created this for themselves.
  -> idea (user's own idea/note), reminder (explicit "remind me"), goal_subtask (part of a larger goal)
- calendar_driven: Triggered by a calendar event or deadline.
  -> event_prep (prepare for upcoming event), recurring (repeating task), deadline (approaching due date)
- reactive: Response to something that happened.
  -> error (build error/crash), notification (system/app notification), observation (something noticed on screen)
- external_system: Comes from a project tool or automated system.
  -> project_tool (Jira/Linear/Trello), alert (monitoring/CI alert), documentation (doc update needed)
- other: None of the above. -> other

Examples:
- Slack message "Can you review my PR?" -> direct_request / message
- User's own TODO comment in code -> self_generated / idea
- Calendar event "Team standup" in 30 min -> calendar_driven / event_prep
- Build failure notification -> reactive / error
- Linear ticket assigned to user -> external_system / project_tool`

// messagingApps get an extra sidebar/direction reminder in the user prompt.
var messagingApps = map[string]bool{
	"Telegram": true,
	"WhatsApp": true,
	"Messages": true,
	"Slack":    true,
	"Discord":  true,
}

// promptContext is the freshly gathered store/backend context injected into
// each invocation's opening prompt.
type promptContext struct {
	ActiveTasks    []contextTask
	CompletedTasks []contextTask
	DeletedTasks   []contextTask
	Goals          []model.Goal
	ProfileText    string
	ScoreMin       float64
	ScoreMax       float64
	HasScores      bool
}

type contextTask struct {
	Description    string
	Priority       string
	RelevanceScore *float64
}

func buildUserPrompt(appName string, now time.Time, pc promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Screenshot from %s. Today is %s. Analyze this screenshot for any unaddressed request directed at the user.\n\n",
		appName, now.Format("2006-01-02 (Monday)"))

	if messagingApps[appName] {
		b.WriteString("REMINDER: If this screenshot shows a chat sidebar/conversation list rather than an open conversation, SKIP entirely. Do not extract tasks from sidebar previews. If it shows an open conversation, only left-side/incoming messages from others can be requests; right-side/colored bubbles are the user's own messages.\n\n")
	}

	if pc.ProfileText != "" {
		b.WriteString("USER PROFILE (who this user is; use for context, not as a task source):\n")
		b.WriteString(pc.ProfileText)
		b.WriteString("\n\n")
	}

	if len(pc.ActiveTasks) > 0 {
		b.WriteString("ACTIVE TASKS (user is already tracking these; each has a relevance_score where 1 = most important, higher numbers = less important):\n")
		if pc.HasScores {
			fmt.Fprintf(&b, "Score range: %.0f-%.0f. ", pc.ScoreMin, pc.ScoreMax)
		}
		b.WriteString("Use these scores to place any new task appropriately.\n")
		for i, t := range pc.ActiveTasks {
			score := ""
			if t.RelevanceScore != nil {
				score = fmt.Sprintf(" [score:%.0f]", *t.RelevanceScore)
			}
			pri := ""
			if t.Priority != "" {
				pri = fmt.Sprintf(" [%s]", t.Priority)
			}
			fmt.Fprintf(&b, "%d.%s %s%s\n", i+1, score, t.Description, pri)
		}
		b.WriteString("\n")
	}

	if len(pc.CompletedTasks) > 0 {
		b.WriteString("RECENTLY COMPLETED TASKS (user engaged with these; this is the kind of task the user finds valuable. Extract similar types of tasks, just not exact duplicates of these specific ones):\n")
		for i, t := range pc.CompletedTasks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, t.Description)
		}
		b.WriteString("\n")
	}

	if len(pc.DeletedTasks) > 0 {
		b.WriteString("USER-DELETED TASKS (user explicitly rejected these; do not re-extract similar):\n")
		for i, t := range pc.DeletedTasks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, t.Description)
		}
		b.WriteString("\n")
	}

	if len(pc.Goals) > 0 {
		b.WriteString("ACTIVE GOALS:\n")
		for i, g := range pc.Goals {
			fmt.Fprintf(&b, "%d. %s", i+1, g.Title)
			if g.Description != "" {
				fmt.Fprintf(&b, " (%s)", g.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Analyze this screenshot. If you see a potential request, search for duplicates first.\n")
	b.WriteString("If there is clearly no request on screen (~90% of screenshots), call no_task_found immediately.")
	return b.String()
}
