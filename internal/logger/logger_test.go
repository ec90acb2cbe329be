package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)

	l.Info("dropped")
	l.Warn("kept", "provider", "openai")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["provider"] != "openai" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", "text", &buf)

	l.Debug("hello", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "attempt") {
		t.Errorf("unexpected text output %q", out)
	}
	if json.Valid([]byte(strings.TrimSpace(out))) {
		t.Error("text format should not emit JSON")
	}
}

func TestSetup_SetsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Setup("info", "json", &buf)
	slog.Info("via default")

	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("default logger not installed, got %q", buf.String())
	}
}
