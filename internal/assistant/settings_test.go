package assistant

import "testing"

func TestAppAllowed(t *testing.T) {
	s := NewSettings(nil, nil, nil)
	if !s.AppAllowed("Slack") {
		t.Fatalf("expected Slack to be allow-listed")
	}
	if s.AppAllowed("Xcode") {
		t.Fatalf("expected Xcode to be blocked")
	}
}

func TestWindowAllowed(t *testing.T) {
	s := NewSettings(nil, nil, nil)

	// non-browser apps pass regardless of title
	if !s.WindowAllowed("Slack", "") {
		t.Fatalf("expected non-browser app to pass with empty title")
	}

	// browsers need a keyword match
	if s.WindowAllowed("Google Chrome", "") {
		t.Fatalf("expected browser with empty title to be filtered")
	}
	if s.WindowAllowed("Google Chrome", "Hacker News") {
		t.Fatalf("expected non-matching browser title to be filtered")
	}
	if !s.WindowAllowed("Google Chrome", "Inbox (3) - Gmail") {
		t.Fatalf("expected Gmail title to pass")
	}
	if !s.WindowAllowed("Arc", "PROJ-123 jira board") {
		t.Fatalf("expected keyword match to be case-insensitive")
	}
}

func TestCustomAllowlist(t *testing.T) {
	s := NewSettings([]string{"Obsidian"}, []string{"Obsidian"}, []string{"daily"})
	if s.AppAllowed("Slack") {
		t.Fatalf("custom allow-list should replace the default")
	}
	if !s.WindowAllowed("Obsidian", "Daily note") {
		t.Fatalf("expected custom keyword to match")
	}
}
