package qrsession

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode failed: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("code %q has length %d, want %d", code, len(code), CodeLength)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside [A-Z0-9]", code, r)
			}
		}
		seen[code] = true
	}
	// Not a collision proof, just a sanity check the generator isn't stuck.
	if len(seen) < 99 {
		t.Errorf("only %d distinct codes out of 100 draws", len(seen))
	}
}

func TestCanBeUsed(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	limit := 2

	cases := []struct {
		name string
		sess Session
		want bool
	}{
		{"fresh", Session{Active: true, ExpiresAt: now.Add(time.Hour)}, true},
		{"inactive", Session{Active: false, ExpiresAt: now.Add(time.Hour)}, false},
		{"expired", Session{Active: true, ExpiresAt: now.Add(-time.Minute)}, false},
		{"at expiry instant", Session{Active: true, ExpiresAt: now}, true},
		{"budget left", Session{Active: true, ExpiresAt: now.Add(time.Hour), MaxUsage: &limit, CurrentUsage: 1}, true},
		{"budget spent", Session{Active: true, ExpiresAt: now.Add(time.Hour), MaxUsage: &limit, CurrentUsage: 2}, false},
		{"unlimited", Session{Active: true, ExpiresAt: now.Add(time.Hour), CurrentUsage: 9999}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sess.CanBeUsed(now); got != tc.want {
				t.Errorf("CanBeUsed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUsedByUser(t *testing.T) {
	s := Session{UsedBy: []string{"a", "b"}}
	if !s.UsedByUser("a") || s.UsedByUser("c") {
		t.Error("UsedByUser membership wrong")
	}
}
