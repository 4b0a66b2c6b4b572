package model

// Source categories describe where a task originated. The model picks one
// category and a subcategory scoped to it; unknown values normalize to other.
const (
	CategoryDirectRequest  = "direct_request"
	CategorySelfGenerated  = "self_generated"
	CategoryCalendarDriven = "calendar_driven"
	CategoryReactive       = "reactive"
	CategoryExternalSystem = "external_system"
	CategoryOther          = "other"
)

// SourceCategories is the closed set accepted by extract_task.
var SourceCategories = []string{
	CategoryDirectRequest,
	CategorySelfGenerated,
	CategoryCalendarDriven,
	CategoryReactive,
	CategoryExternalSystem,
	CategoryOther,
}

// SourceSubcategories is the closed set accepted by extract_task.
var SourceSubcategories = []string{
	"message", "meeting", "mention",
	"idea", "reminder", "goal_subtask",
	"event_prep", "recurring", "deadline",
	"error", "notification", "observation",
	"project_tool", "alert", "documentation",
	"other",
}

var subcategoryScope = map[string]map[string]bool{
	CategoryDirectRequest:  {"message": true, "meeting": true, "mention": true},
	CategorySelfGenerated:  {"idea": true, "reminder": true, "goal_subtask": true},
	CategoryCalendarDriven: {"event_prep": true, "recurring": true, "deadline": true},
	CategoryReactive:       {"error": true, "notification": true, "observation": true},
	CategoryExternalSystem: {"project_tool": true, "alert": true, "documentation": true},
	CategoryOther:          {"other": true},
}

// NormalizeSource validates a category/subcategory pair. Unknown categories
// collapse to other/other; a subcategory outside its category's scope
// collapses to other within the category.
func NormalizeSource(category, subcategory string) (string, string) {
	scope, ok := subcategoryScope[category]
	if !ok {
		return CategoryOther, "other"
	}
	if !scope[subcategory] {
		return category, "other"
	}
	return category, subcategory
}
