package app

import "testing"

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		patterns []string
		origin   string
		want     bool
	}{
		{[]string{"mod.example.com"}, "https://mod.example.com", true},
		{[]string{"mod.example.com"}, "https://evil.com", false},
		{[]string{"https://exact.io"}, "https://exact.io", true},
		{[]string{"*.example.com"}, "https://a.example.com", true},
		{[]string{"*.example.com"}, "https://example.com", false},
		{[]string{"localhost:*"}, "http://localhost:5173", true},
		{[]string{"localhost:*"}, "http://127.0.0.1:5173", false},
		{nil, "https://mod.example.com", false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.patterns, tc.origin); got != tc.want {
			t.Errorf("originAllowed(%v, %q) = %v, want %v", tc.patterns, tc.origin, got, tc.want)
		}
	}
}

func TestHumanizeDuration(t *testing.T) {
	if got := humanizeDuration(90 * 1e9); got != "1m0s" {
		t.Fatalf("humanizeDuration(90s) = %q", got)
	}
}
