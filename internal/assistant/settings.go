package assistant

import (
	"strings"
	"sync/atomic"
)

// Settings gates which frames are worth analyzing. The task extractor runs on
// an app allow-list; browser apps additionally require a window-title keyword
// match. Immutable once built; swap the whole value to change it.
type Settings struct {
	AllowedApps     map[string]bool
	BrowserApps     map[string]bool
	BrowserKeywords []string
}

// DefaultAllowedApps is the stock extraction allow-list.
var DefaultAllowedApps = []string{
	"Telegram",
	"‎WhatsApp", // WhatsApp prefixes its name with a hidden LTR mark
	"WhatsApp",
	"Messages",
	"Slack",
	"Discord",
	"zoom.us",
	"Google Chrome",
	"Arc",
	"Safari",
	"Firefox",
	"Microsoft Edge",
	"Brave Browser",
	"Opera",
	"Notes",
	"Superhuman",
}

// DefaultBrowserApps get window-title keyword filtering on top of the
// allow-list.
var DefaultBrowserApps = []string{
	"Google Chrome",
	"Arc",
	"Safari",
	"Firefox",
	"Microsoft Edge",
	"Brave Browser",
	"Opera",
}

// DefaultBrowserKeywords is the stock browser window-title filter.
var DefaultBrowserKeywords = []string{
	// Email
	"Gmail", "Outlook", "Yahoo Mail", "ProtonMail", "Superhuman", "Fastmail",
	// Messaging
	"Slack", "Discord", "WhatsApp", "Telegram", "Messenger", "Signal", "Crisp",
	// Project management
	"Jira", "Linear", "Trello", "Asana", "Notion", "Monday", "ClickUp", "Basecamp",
	// Calendar
	"Google Calendar", "Outlook Calendar", "Cal.com", "Calendly",
	// Code & collaboration
	"GitHub", "github.com", "Google Docs", "Google Sheets", "Google Slides",
	// Finance
	"Stripe", "PayPal", "Invoice", "Billing", "QuickBooks",
	// Forms
	"Google Forms", "Typeform", "DocuSign",
	// Action keywords
	"todo", "task", "assign", "review", "approve", "request", "ticket",
	// Inbox patterns
	"inbox", "unread", "notification", "pending",
}

// NewSettings builds a Settings value; empty slices fall back to defaults.
func NewSettings(allowedApps, browserApps, browserKeywords []string) *Settings {
	if len(allowedApps) == 0 {
		allowedApps = DefaultAllowedApps
	}
	if len(browserApps) == 0 {
		browserApps = DefaultBrowserApps
	}
	if len(browserKeywords) == 0 {
		browserKeywords = DefaultBrowserKeywords
	}
	s := &Settings{
		AllowedApps:     make(map[string]bool, len(allowedApps)),
		BrowserApps:     make(map[string]bool, len(browserApps)),
		BrowserKeywords: browserKeywords,
	}
	for _, a := range allowedApps {
		s.AllowedApps[a] = true
	}
	for _, a := range browserApps {
		s.BrowserApps[a] = true
	}
	return s
}

// AppAllowed reports whether frames from this app are analyzed at all.
func (s *Settings) AppAllowed(appName string) bool {
	return s.AllowedApps[appName]
}

// WindowAllowed applies the keyword filter to browser windows. Non-browser
// apps always pass; a browser with an empty title never does.
func (s *Settings) WindowAllowed(appName, windowTitle string) bool {
	if !s.BrowserApps[appName] {
		return true
	}
	if windowTitle == "" {
		return false
	}
	title := strings.ToLower(windowTitle)
	for _, kw := range s.BrowserKeywords {
		if strings.Contains(title, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// SettingsStore holds the live Settings value for atomic reload-on-change.
type SettingsStore struct {
	v atomic.Pointer[Settings]
}

// NewSettingsStore seeds the store.
func NewSettingsStore(s *Settings) *SettingsStore {
	st := &SettingsStore{}
	st.v.Store(s)
	return st
}

// Load returns the current settings snapshot.
func (st *SettingsStore) Load() *Settings { return st.v.Load() }

// Swap replaces the settings.
func (st *SettingsStore) Swap(s *Settings) { st.v.Store(s) }
