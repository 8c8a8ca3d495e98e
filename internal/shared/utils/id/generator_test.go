package id

import (
	"context"
	"strings"
	"testing"
)

func TestPrefixedIdentifiers(t *testing.T) {
	cases := []struct {
		gen    func() string
		prefix string
	}{
		{NewTaskID, "task-"},
		{NewProjectID, "proj-"},
		{NewFeatureID, "feat-"},
		{NewCorrelationID, "corr-"},
		{NewOperationID, "op-"},
	}
	for _, tc := range cases {
		got := tc.gen()
		if !strings.HasPrefix(got, tc.prefix) {
			t.Errorf("expected prefix %q, got %q", tc.prefix, got)
		}
		if len(got) <= len(tc.prefix) {
			t.Errorf("identifier %q has empty body", got)
		}
	}
}

func TestIdentifiersAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID()
		if seen[id] {
			t.Fatalf("duplicate identifier %q", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	SetStrategy(StrategyUUIDv7)
	defer SetStrategy(StrategyKSUID)

	got := NewTaskID()
	if !strings.HasPrefix(got, "task-") {
		t.Fatalf("expected task prefix, got %q", got)
	}
	body := strings.TrimPrefix(got, "task-")
	if strings.Count(body, "-") != 4 {
		t.Fatalf("expected UUID-shaped body, got %q", body)
	}
}

func TestCorrelationContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if _, ok := CorrelationIDFromContext(ctx); ok {
		t.Fatal("empty context should carry no correlation id")
	}

	ctx = WithCorrelationID(ctx, "corr-abc")
	got, ok := CorrelationIDFromContext(ctx)
	if !ok || got != "corr-abc" {
		t.Fatalf("round trip failed: %q %v", got, ok)
	}
}

func TestEnsureCorrelationID(t *testing.T) {
	ctx, minted := EnsureCorrelationID(context.Background())
	if minted == "" {
		t.Fatal("expected a minted correlation id")
	}
	ctx2, again := EnsureCorrelationID(ctx)
	if again != minted {
		t.Fatalf("EnsureCorrelationID minted a fresh id %q over existing %q", again, minted)
	}
	if ctx2 != ctx {
		t.Fatal("context should be unchanged when id already present")
	}
}

func TestTaskIDContext(t *testing.T) {
	ctx := WithTaskID(context.Background(), "task-1")
	got, ok := TaskIDFromContext(ctx)
	if !ok || got != "task-1" {
		t.Fatalf("task id round trip failed: %q %v", got, ok)
	}
	if WithTaskID(context.Background(), "") != context.Background() {
		t.Fatal("empty task id should not wrap the context")
	}
}
