package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTracingFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "spans.json")

	if err := Init("tollgate", "0.0.1", fname); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	defer func() { _ = Shutdown(context.Background()) }()

	_, span := StartSpan(context.Background(), "engine.decide", map[string]string{"case_id": "case-1"})
	span.End(errors.New("stale state"))

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "engine.decide") || !strings.Contains(out, "case-1") {
		t.Fatalf("span not written to trace file: %s", out)
	}
	if !strings.Contains(out, "stale state") {
		t.Fatalf("expected recorded error in span: %s", out)
	}
}

func TestNilSpanIsSafe(t *testing.T) {
	var s *Span
	s.WithAttributes(map[string]string{"k": "v"}).End(nil)
}
