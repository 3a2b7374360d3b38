package logging_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fgp/internal/config"
	"fgp/internal/logging"
)

func newFileLogger(t *testing.T, opts logging.Options) (*slog.Logger, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")
	opts.OutputPaths = []string{logPath}
	logger, err := logging.New(opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return logger, logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	logger.Debug("debug message")
}

func TestConsoleLoggerOmitsSourceForInfo(t *testing.T) {
	logger, path := newFileLogger(t, logging.Options{Format: "console", Level: "info"})
	logger.Info("message without source")

	if content := readLog(t, path); strings.Contains(content, ".go:") {
		t.Fatalf("expected no source information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesSourceForDebug(t *testing.T) {
	logger, path := newFileLogger(t, logging.Options{Format: "console", Level: "debug"})
	logger.Info("message with source")

	if content := readLog(t, path); !strings.Contains(content, ".go:") {
		t.Fatalf("expected source information in debug logs, got %q", content)
	}
}

func TestConsoleHeaderCarriesSubject(t *testing.T) {
	logger, path := newFileLogger(t, logging.Options{Format: "console", Level: "info"})
	scoped := logging.ForService(logging.NewComponentLogger(logger, "host"), "gmail")
	scoped.Info("request served", logging.String(logging.FieldMethod, "inbox"), logging.Int("count", 3))

	content := readLog(t, path)
	if !strings.Contains(content, "INFO [host] gmail · inbox – request served") {
		t.Fatalf("unexpected header: %q", content)
	}
	if !strings.Contains(content, "    - count: 3") {
		t.Fatalf("expected field line, got %q", content)
	}
}

func TestConsoleCollapsesExtraInfoFields(t *testing.T) {
	logger, path := newFileLogger(t, logging.Options{Format: "console", Level: "info"})
	attrs := make([]any, 0, 10)
	for i := range 10 {
		attrs = append(attrs, logging.Int(fmt.Sprintf("field_%02d", i), i))
	}
	logger.Info("many fields", attrs...)

	if content := readLog(t, path); !strings.Contains(content, "+ 2 more fields hidden") {
		t.Fatalf("expected hidden field counter, got %q", content)
	}
}

func TestNewJSONLogger(t *testing.T) {
	logger, path := newFileLogger(t, logging.Options{Format: "json", Level: "info"})
	logger.Warn("json message", logging.String("k", "v"), logging.Error(errors.New("boom")))

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, path))), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "json message" || entry["k"] != "v" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
	if entry["error"] != "boom" {
		t.Fatalf("expected error field, got %v", entry["error"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"invalid": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWarnWithContextFillsDefaults(t *testing.T) {
	logger, path := newFileLogger(t, logging.Options{Format: "json", Level: "info"})
	logging.WarnWithContext(logger, "socket reclaimed", "socket_reclaimed")

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, path))), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected %s in %v", key, entry)
		}
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewNop()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("no-op logger should not be enabled")
	}
}
