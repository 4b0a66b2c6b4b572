package extraction

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// genericPatterns are verb fragments that make a title worthless on its own.
var genericPatterns = []string{
	"investigate", "check logs", "clean up", "look into",
	"look through", "update to", "fix the", "review the",
	"check the", "modify the", "track the",
}

// validateTitle checks a proposed task title for minimum specificity.
// Returns a non-empty rejection reason when the title fails.
func validateTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "Title is empty"
	}

	words := strings.Fields(trimmed)
	wordCount := len(words)
	if wordCount < 6 {
		return fmt.Sprintf("Title too short (%d words, minimum 6)", wordCount)
	}

	lowered := strings.ToLower(trimmed)
	for _, pattern := range genericPatterns {
		if lowered == pattern || (wordCount <= 4 && strings.HasPrefix(lowered, pattern)) {
			return fmt.Sprintf("Title too generic (matches vague pattern %q)", pattern)
		}
	}

	// Heuristic for "names something specific": after the leading verb there
	// must be at least one word starting with an uppercase letter.
	hasProperNoun := false
	for _, word := range words[1:] {
		r := []rune(word)[0]
		if unicode.IsUpper(r) {
			hasProperNoun = true
			break
		}
	}
	if !hasProperNoun {
		return "Title lacks a specific name (person, project, or app): no proper nouns found after the verb"
	}
	return ""
}

// deadlineFormats are tried in order after ISO8601 fails.
var deadlineFormats = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2",
	"Jan 2",
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// parseDeadline resolves an inferred deadline string to a date that is today
// or later. Past dates and unparseable strings return nil; ok distinguishes
// "no deadline" from "deadline dropped as past".
func parseDeadline(raw string, now time.Time) (t *time.Time, past bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	accept := func(d time.Time) (*time.Time, bool) {
		if d.Before(startOfToday) {
			return nil, true
		}
		return &d, false
	}

	if d, err := time.Parse(time.RFC3339, raw); err == nil {
		return accept(d)
	}
	for _, layout := range deadlineFormats {
		d, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		// Year-less layouts parse into year 0; pin them to the current year,
		// rolling forward when the date already passed.
		if d.Year() == 0 {
			d = time.Date(now.Year(), d.Month(), d.Day(), 0, 0, 0, 0, now.Location())
			if d.Before(startOfToday) {
				d = d.AddDate(1, 0, 0)
			}
		}
		return accept(d)
	}
	if d, ok := parseNaturalDate(raw, startOfToday); ok {
		return accept(d)
	}
	return nil, false
}

// parseNaturalDate handles the relative phrasings the model falls back to
// when it fails to resolve a date itself.
func parseNaturalDate(raw string, startOfToday time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "by ")
	s = strings.TrimPrefix(s, "on ")

	switch s {
	case "today", "tonight", "end of day", "eod":
		return startOfToday, true
	case "tomorrow":
		return startOfToday.AddDate(0, 0, 1), true
	case "next week":
		// the following Monday
		days := (int(time.Monday) - int(startOfToday.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return startOfToday.AddDate(0, 0, days), true
	case "end of month", "eom":
		firstOfNext := time.Date(startOfToday.Year(), startOfToday.Month(), 1, 0, 0, 0, 0, startOfToday.Location()).AddDate(0, 1, 0)
		return firstOfNext.AddDate(0, 0, -1), true
	}

	name := strings.TrimPrefix(s, "next ")
	if wd, ok := weekdays[name]; ok {
		days := (int(wd) - int(startOfToday.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return startOfToday.AddDate(0, 0, days), true
	}
	return time.Time{}, false
}

// buildKeywordQuery normalizes the model's keyword query for full-text
// search: words shorter than 3 characters are dropped, special characters
// stripped, survivors joined with OR.
func buildKeywordQuery(query string) string {
	var words []string
	for _, w := range strings.Fields(query) {
		var b strings.Builder
		for _, r := range w {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() >= 3 {
			words = append(words, b.String())
		}
	}
	return strings.Join(words, " OR ")
}
