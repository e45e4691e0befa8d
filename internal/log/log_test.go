package log

import (
	"bytes"
	"errors"
	stdlog "log"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(stdlog.New(&buf, "", 0))
	t.Cleanup(func() {
		SetOutput(stdlog.New(&buf, "", stdlog.LstdFlags))
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"nonsense", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)

	SetLevel(LevelWarn)
	Debug("hidden debug")
	Info("hidden info")
	Warn("visible warn")
	Error("visible error", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("suppressed levels leaked into output:\n%s", out)
	}
	if !strings.Contains(out, "[WARN] visible warn") {
		t.Errorf("warn line missing:\n%s", out)
	}
	if !strings.Contains(out, "[ERROR] visible error err=boom") {
		t.Errorf("error line missing err field:\n%s", out)
	}
}

func TestKeyValueFields(t *testing.T) {
	buf := capture(t)

	SetLevel(LevelDebug)
	Info("stored events", "account", "acc1", "count", 42)

	out := buf.String()
	if !strings.Contains(out, "account=acc1") || !strings.Contains(out, "count=42") {
		t.Errorf("key=value fields missing:\n%s", out)
	}
}
