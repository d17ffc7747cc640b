package utils

import "testing"

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		minutes  int
		expected string
	}{
		{"zero", 0, "0m"},
		{"negative clamps", -5, "0m"},
		{"minutes", 45, "45m"},
		{"one hour", 60, "1h"},
		{"hours and minutes", 75, "1h 15m"},
		{"one day", 24 * 60, "1d"},
		{"days and hours", 51 * 60, "2d 3h"},
		{"minutes dropped past a day", 24*60 + 59, "1d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatAge(tt.minutes); got != tt.expected {
				t.Errorf("FormatAge(%d) = %s; want %s", tt.minutes, got, tt.expected)
			}
		})
	}
}

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{"short text", "Camera offline", 20, "Camera offline"},
		{"exact length", "12345", 5, "12345"},
		{"truncated", "Camera offline at km 42", 10, "Camera ..."},
		{"newlines flattened", "line one\nline two", 50, "line one line two"},
		{"tiny limit", "abcdef", 2, "..."},
		{"multibyte safe", "Câmera sem sinal", 8, "Câmer..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateText(tt.text, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateText(%q, %d) = %q; want %q", tt.text, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestEscapeForLogging(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{"plain", "hello", 100, "hello"},
		{"control characters", "a\nb\tc\rd", 100, `a\nb\tc\rd`},
		{"truncated before escaping", "abcdef\n", 3, "abc..."},
		{"no limit", "abc", 0, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeForLogging(tt.text, tt.maxLen); got != tt.expected {
				t.Errorf("EscapeForLogging(%q, %d) = %q; want %q", tt.text, tt.maxLen, got, tt.expected)
			}
		})
	}
}
