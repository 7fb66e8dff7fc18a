package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("uploads")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("transfer finished", "store", "http://localhost:3001/recordings")

	out := buf.String()
	if !strings.Contains(out, `msg="transfer finished"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=uploads") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "store=http://localhost:3001/recordings") {
		t.Fatalf("expected store field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatKeepsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithTask(WithSession(L("uploads"), "sess-1"), 7, "a.webm").Debug("queued")

	out := buf.String()
	for _, want := range []string{`"component":"uploads"`, `"sessionId":"sess-1"`, `"taskId":7`, `"filename":"a.webm"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil logger")
	}

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := NewContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)
	logger := L("server")

	logger.Debug("before")
	SetLevel("debug")
	logger.Debug("after")
	SetLevel("info")

	out := buf.String()
	if strings.Contains(out, "before") || !strings.Contains(out, "after") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestGroupsAndAttrsKeepOrder(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("server").WithGroup("req").With("method", "POST").Info("handled")

	out := buf.String()
	if !strings.Contains(out, `"component":"server"`) || !strings.Contains(out, `"req":{"method":"POST"}`) {
		t.Fatalf("unexpected output: %s", out)
	}
}
