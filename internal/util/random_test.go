package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		prefix    string
		hexLength int
	}{
		{"lead_", 24},
		{"outbox_", 32},
		{"", 8},
	}
	for _, tt := range tests {
		got := GenerateRandomID(tt.prefix, tt.hexLength)
		if !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("GenerateRandomID(%q) = %v, missing prefix", tt.prefix, got)
		}
		if len(got) != len(tt.prefix)+tt.hexLength {
			t.Errorf("GenerateRandomID(%q) length = %d, want %d", tt.prefix, len(got), len(tt.prefix)+tt.hexLength)
		}
		if !isValidHex(got[len(tt.prefix):]) {
			t.Errorf("GenerateRandomID(%q) = %v has non-hex suffix", tt.prefix, got)
		}
	}
}

func TestGenerateRandomHexLengths(t *testing.T) {
	for _, n := range []int{-1, 0, 8, 64} {
		want := n
		if want < 0 {
			want = 0
		}
		if got := GenerateRandomHex(n); len(got) != want || !isValidHex(got) {
			t.Errorf("GenerateRandomHex(%d) = %q", n, got)
		}
	}
}

func TestGenerateRandomAlphaNumeric(t *testing.T) {
	got := GenerateRandomAlphaNumeric(32)
	if len(got) != 32 {
		t.Fatalf("expected 32 characters, got %d", len(got))
	}
	for _, c := range got {
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')) {
			t.Errorf("unexpected character %q in %q", c, got)
		}
	}
}

func TestGenerateLeadIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateLeadID()
		if !strings.HasPrefix(id, "lead_") || len(id) != 29 {
			t.Fatalf("unexpected lead ID format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate lead ID: %q", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
