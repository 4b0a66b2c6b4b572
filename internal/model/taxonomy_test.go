package model

import "testing"

func TestNormalizeSource(t *testing.T) {
	cases := []struct {
		category, subcategory string
		wantCat, wantSub      string
	}{
		{"direct_request", "message", "direct_request", "message"},
		{"calendar_driven", "deadline", "calendar_driven", "deadline"},
		{"direct_request", "deadline", "direct_request", "other"},
		{"reactive", "", "reactive", "other"},
		{"made_up", "message", "other", "other"},
		{"", "", "other", "other"},
		{"other", "other", "other", "other"},
	}
	for _, c := range cases {
		cat, sub := NormalizeSource(c.category, c.subcategory)
		if cat != c.wantCat || sub != c.wantSub {
			t.Fatalf("NormalizeSource(%q, %q) = %q/%q, want %q/%q",
				c.category, c.subcategory, cat, sub, c.wantCat, c.wantSub)
		}
	}
}
