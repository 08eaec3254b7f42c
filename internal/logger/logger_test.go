package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(buf *bytes.Buffer) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(buf, nil))}
}

func TestWithContextStampsIDs(t *testing.T) {
	var buf bytes.Buffer
	log := captureLogger(&buf)

	ctx := WithSessionID(context.Background(), "sess-9")
	ctx = WithUserID(ctx, "user-9")
	ctx = WithMessageID(ctx, "msg-9")

	log.WithContext(ctx).Info("turn started")

	out := buf.String()
	for _, want := range []string{`"session_id":"sess-9"`, `"user_id":"user-9"`, `"message_id":"msg-9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log line %q", want, out)
		}
	}
}

func TestWithContextBareContext(t *testing.T) {
	var buf bytes.Buffer
	log := captureLogger(&buf)

	log.WithContext(context.Background()).Info("hello")

	out := buf.String()
	for _, key := range []string{"session_id", "user_id", "message_id"} {
		if strings.Contains(out, key) {
			t.Errorf("unexpected %s in log line %q", key, out)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := captureLogger(&buf)

	log.WithComponent("pipeline").Info("hello")

	if !strings.Contains(buf.String(), `"component":"pipeline"`) {
		t.Errorf("expected component attribute, got %q", buf.String())
	}
}
