package extraction

import (
	"strings"
	"testing"
	"time"
)

func TestValidateTitle(t *testing.T) {
	cases := []struct {
		title  string
		reject string
	}{
		{"", "empty"},
		{"   ", "empty"},
		{"Fix the bug", "too short"},
		{"Review the quarterly numbers for the Finance team", ""},
		{"reply to the message about the schedule", "no proper nouns"},
		{"Reply to Marta about the Q3 board deck", ""},
		{"Send Daniel the updated contract draft today", ""},
	}
	for _, tc := range cases {
		reason := validateTitle(tc.title)
		if tc.reject == "" {
			if reason != "" {
				t.Errorf("validateTitle(%q) rejected: %s", tc.title, reason)
			}
			continue
		}
		if reason == "" {
			t.Errorf("validateTitle(%q) accepted, expected rejection containing %q", tc.title, tc.reject)
		} else if !strings.Contains(strings.ToLower(reason), strings.ToLower(tc.reject)) {
			t.Errorf("validateTitle(%q) = %q, expected to contain %q", tc.title, reason, tc.reject)
		}
	}
}

func TestParseDeadline(t *testing.T) {
	// a Monday
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	cases := []struct {
		raw  string
		want *time.Time
		past bool
	}{
		{"", nil, false},
		{"not a date at all", nil, false},
		{"2025-03-15", ptr(day(2025, 3, 15)), false},
		{"2025-03-15T10:30:00Z", ptr(time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)), false},
		{"2020-01-01", nil, true},
		{"03/15/2025", ptr(day(2025, 3, 15)), false},
		{"March 15, 2025", ptr(day(2025, 3, 15)), false},
		{"March 15", ptr(day(2025, 3, 15)), false},
		// year-less past date rolls into next year
		{"January 2", ptr(day(2026, 1, 2)), false},
		{"today", ptr(day(2025, 3, 10)), false},
		{"tomorrow", ptr(day(2025, 3, 11)), false},
		{"by friday", ptr(day(2025, 3, 14)), false},
		{"next monday", ptr(day(2025, 3, 17)), false},
		{"next week", ptr(day(2025, 3, 17)), false},
		{"end of month", ptr(day(2025, 3, 31)), false},
	}
	for _, tc := range cases {
		got, past := parseDeadline(tc.raw, now)
		if past != tc.past {
			t.Errorf("parseDeadline(%q) past = %v, want %v", tc.raw, past, tc.past)
		}
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("parseDeadline(%q) = %v, want nil", tc.raw, got)
		case tc.want != nil && got == nil:
			t.Errorf("parseDeadline(%q) = nil, want %v", tc.raw, tc.want)
		case tc.want != nil && got != nil && !got.Equal(*tc.want):
			t.Errorf("parseDeadline(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestBuildKeywordQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"call Marta re: Q3 report", "call OR Marta OR report"},
		{"a an of", ""},
		{"fix auth-bug", "fix OR authbug"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := buildKeywordQuery(tc.in); got != tc.want {
			t.Errorf("buildKeywordQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
