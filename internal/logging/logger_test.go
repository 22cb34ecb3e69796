package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cap2cal/internal/config"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(content), "hello") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerRendersComponentAndEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger = logging.NewComponentLogger(logger, "enrich")
	ctx := services.WithEventID(context.Background(), "evt-1")
	logging.WithContext(ctx, logger).Info("attempt failed", logging.Int("attempt", 2))
	logger.Debug("hidden")

	content := buf.String()
	if !strings.Contains(content, "INFO enrich[evt-1]: attempt failed") {
		t.Fatalf("unexpected console line %q", content)
	}
	if !strings.Contains(content, "attempt=2") {
		t.Fatalf("expected attempt attribute, got %q", content)
	}
	if strings.Contains(content, "hidden") {
		t.Fatalf("debug line leaked at info level: %q", content)
	}
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestJSONLoggerIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithStage(context.Background(), "scan")
	ctx = services.WithUserID(ctx, "user-9")
	ctx = services.WithRequestID(ctx, "req-3")
	logging.WithContext(ctx, logger).Info("scan started")

	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("decode json log %q: %v", line, err)
	}
	if payload["stage"] != "scan" || payload["user_id"] != "user-9" || payload["correlation_id"] != "req-3" {
		t.Fatalf("missing context fields: %v", payload)
	}
	if payload["level"] != "info" || payload["msg"] != "scan started" {
		t.Fatalf("unexpected envelope: %v", payload)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.WarnWithContext(logger, "enrichment exhausted", "enrich_exhausted", logging.String(logging.FieldImpact, "event keeps skeleton fields"))

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["event_type"] != "enrich_exhausted" {
		t.Fatalf("missing event_type: %v", payload)
	}
	if payload["error_hint"] == nil {
		t.Fatalf("missing default error_hint: %v", payload)
	}
	if payload["impact"] != "event keeps skeleton fields" {
		t.Fatalf("impact overwritten: %v", payload)
	}
}

func TestConsoleLoggerFlattensGroups(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.WithGroup("race").Info("decided",
		logging.Group("candidate_0", logging.Float64("temperature", 0.15), logging.String("reason", "no events")),
	)

	content := buf.String()
	if !strings.Contains(content, "race.candidate_0.temperature=0.15") {
		t.Fatalf("expected flattened group key, got %q", content)
	}
	if !strings.Contains(content, `race.candidate_0.reason="no events"`) {
		t.Fatalf("expected quoted value, got %q", content)
	}
}
