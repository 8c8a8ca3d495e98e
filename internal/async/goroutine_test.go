package async

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"foreman/internal/logging"
)

func TestGoRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger(&buf, logging.LevelDebug, "async")

	done := GoDone(logger, "exploder", func() {
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}

	out := buf.String()
	if !strings.Contains(out, "panic in exploder") || !strings.Contains(out, "boom") {
		t.Fatalf("expected panic log, got %q", out)
	}
}

func TestGoDoneSignalsNormalReturn(t *testing.T) {
	ran := false
	done := GoDone(logging.Nop(), "worker", func() { ran = true })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}
	if !ran {
		t.Fatal("function body did not run")
	}
}

func TestGoWithNilLoggerDoesNotPanic(t *testing.T) {
	done := GoDone(nil, "nil-logger", func() { panic("still safe") })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}
}
