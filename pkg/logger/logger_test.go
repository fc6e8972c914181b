package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"msgrelay/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "relay.session").Info("Dispatch event", "conversation", "u1", "run_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Dispatch event" {
		t.Fatalf("message = %q, want %q", entry.Message, "Dispatch event")
	}
	if entry.Component != "relay.session" {
		t.Fatalf("component = %q, want %q", entry.Component, "relay.session")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.Conversation != "u1" {
		t.Fatalf("conversation = %q, want %q", entry.Conversation, "u1")
	}
	if _, ok := entry.Fields["conversation"]; ok {
		t.Fatal("conversation should be promoted out of fields")
	}
	if got := entry.Fields["run_id"]; got != "42" {
		t.Fatalf("fields.run_id = %v, want %q", got, "42")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_LOG_FORMAT", "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview(" hello "); got != "hello" {
		t.Fatalf("Preview short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", previewLimit+20)
	got := Preview(long)
	if len(got) != previewLimit+3 {
		t.Fatalf("Preview long len = %d, want %d", len(got), previewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("Preview long = %q, want ellipsis suffix", got)
	}

	multibyte := strings.Repeat("é", previewLimit)
	if got := Preview(multibyte); !utf8.ValidString(got) {
		t.Fatalf("Preview split a rune: %q", got)
	}
}

func decodeEntries(t *testing.T, out *bytes.Buffer) []LogEntry {
	t.Helper()

	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log entry %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerJSONBoundAttrsAndGroups(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", AddSource: true}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	session := log.With("component", "relay.session", "conversation", "u7", "attempt", 1)
	session.WithGroup("run").Warn("Agent run failed", "error", errors.New("stream closed"), "component", "nested")
	session.Info("Second", "extra", "x")

	entries := decodeEntries(t, &out)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	first := entries[0]
	if first.Component != "relay.session" || first.Conversation != "u7" {
		t.Fatalf("promoted = (%q, %q), want (relay.session, u7)", first.Component, first.Conversation)
	}
	if got := first.Fields["run.error"]; got != "stream closed" {
		t.Fatalf("fields.run.error = %v, want error text", got)
	}
	if got := first.Fields["run.component"]; got != "nested" {
		t.Fatalf("grouped component should stay a field, got %v", got)
	}
	if got := first.Fields["attempt"]; got != float64(1) {
		t.Fatalf("fields.attempt = %v, want 1", got)
	}
	if !strings.HasPrefix(first.Caller, "logger_test.go:") {
		t.Fatalf("caller = %q, want logger_test.go:<line>", first.Caller)
	}

	second := entries[1]
	if _, leaked := second.Fields["run.error"]; leaked {
		t.Fatal("record attrs leaked into the bound logger")
	}
	if got := second.Fields["extra"]; got != "x" {
		t.Fatalf("fields.extra = %v, want x", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "loud", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseLevel(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, %v; want %v", tt.input, got, err, tt.want)
		}
	}
}

func TestUnsupportedFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv("RELAY_LOG_LEVEL")
	_ = os.Unsetenv("RELAY_LOG_FORMAT")
	_ = os.Unsetenv("RELAY_LOG_ADD_SOURCE")
}
