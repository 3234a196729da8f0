package logger

import (
	"context"
	"testing"
)

type recordingLogger struct {
	noOpLogger
	entries [][]any
}

func (r *recordingLogger) Info(msg string, keysAndValues ...any) {
	r.entries = append(r.entries, append([]any{msg}, keysAndValues...))
}

func TestWith(t *testing.T) {
	rec := &recordingLogger{}
	l := With(rec, "request_id", "abc")

	l.Info("hello", "status", 200)
	l.Info("again")

	if len(rec.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(rec.entries))
	}
	first := rec.entries[0]
	if len(first) != 5 || first[1] != "request_id" || first[2] != "abc" || first[3] != "status" || first[4] != 200 {
		t.Errorf("first entry = %v", first)
	}
	if second := rec.entries[1]; len(second) != 3 {
		t.Errorf("second entry = %v, fields leaked between calls", second)
	}
}

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(*noOpLogger); !ok {
		t.Error("expected the no-op logger for an empty context")
	}

	rec := &recordingLogger{}
	ctx := WithLogger(context.Background(), rec)
	if FromContext(ctx) != Logger(rec) {
		t.Error("logger not taken from context")
	}
}
