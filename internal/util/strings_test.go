package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"string shorter than maxLen", "short", 10, "short"},
		{"string equal to maxLen", "exactly10c", 10, "exactly10c"},
		{"string longer than maxLen", "this-is-a-very-long-token-string", 8, "this-is-"},
		{"empty string", "", 5, ""},
		{"zero maxLen", "token", 0, ""},
		{"negative maxLen", "token", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestLogPrefix(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"long token", "at_0123456789abcdef", "at_01234..."},
		{"exactly prefix length", "12345678", "12345678"},
		{"short", "abc", "abc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LogPrefix(tt.input); got != tt.want {
				t.Errorf("LogPrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
