package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"TRACE":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"FATAL":   slog.LevelError,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_WritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("dropped")
	logger.Warn("kept", slog.String("dir", "/var/log"))

	out := strings.TrimSpace(buf.String())
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record written at warn level: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, out)
	}
	if rec["msg"] != "kept" || rec["dir"] != "/var/log" {
		t.Errorf("record = %v", rec)
	}
}

// TestWithLevel_OnlyRaisesMinimum verifies that a per-watcher logger can be
// quieter than the service logger it derives from but never more verbose.
func TestWithLevel_OnlyRaisesMinimum(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info").With(slog.String("component", "watcher"))

	verbose := WithLevel(base, "DEBUG")
	verbose.Debug("debug below service level")
	verbose.Info("info at service level")

	quiet := WithLevel(base, "ERROR")
	quiet.Warn("warn suppressed")
	quiet.Error("error kept")

	out := buf.String()
	if strings.Contains(out, "debug below service level") {
		t.Errorf("debug record written under an info service logger: %s", out)
	}
	if !strings.Contains(out, "info at service level") {
		t.Errorf("info record missing: %s", out)
	}
	if !strings.Contains(out, `"component":"watcher"`) {
		t.Errorf("base attributes lost: %s", out)
	}
	if strings.Contains(out, "warn suppressed") {
		t.Errorf("warn record written below ERROR override: %s", out)
	}
	if !strings.Contains(out, "error kept") {
		t.Errorf("error record missing: %s", out)
	}
}

func TestWithLevel_DiscardStaysSilent(t *testing.T) {
	l := WithLevel(Discard(), "WARN")
	if l.Enabled(context.Background(), slog.LevelError) {
		t.Error("WARN override enabled records on a discarding logger")
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger should not enable error records")
	}
}
