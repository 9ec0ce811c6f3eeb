package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestNewJSONSetsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Level: "debug", Component: "api"}, &buf)

	logger.Debug().Str("key_prefix", "ABCD").Msg("hello")

	event := readJSONLine(t, &buf)
	if event["component"] != "api" {
		t.Errorf("expected component api, got %v", event["component"])
	}
	if event["level"] != "debug" {
		t.Errorf("expected level debug, got %v", event["level"])
	}
	if event["message"] != "hello" {
		t.Errorf("expected message hello, got %v", event["message"])
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Level: "warn"}, &buf)

	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	logger.Warn().Msg("kept")
	if event := readJSONLine(t, &buf); event["message"] != "kept" {
		t.Errorf("expected message kept, got %v", event["message"])
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console"}, &buf)
	logger.Info().Msg("console line")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("expected console output, got JSON: %q", out)
	}
	if !strings.Contains(out, "console line") {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warning": zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-1 ")
	if id != "req-1" {
		t.Errorf("expected req-1, got %q", id)
	}
	if got := RequestID(ctx); got != "req-1" {
		t.Errorf("expected stored req-1, got %q", got)
	}

	_, generated := WithRequestID(context.Background(), "")
	if len(generated) != 36 {
		t.Errorf("expected generated UUID, got %q", generated)
	}
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request id on bare context")
	}
}
