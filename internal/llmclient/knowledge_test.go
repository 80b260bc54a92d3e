package llmclient

import (
	"context"
	"testing"
)

func TestFakeKnowledgeStoreFindRanksByOverlap(t *testing.T) {
	ctx := context.Background()
	store := &FakeKnowledgeStore{}
	if err := store.Store(ctx, "the reservation engine uses optimistic concurrency"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := store.Store(ctx, "the worker pool polls subtask_runs with FOR UPDATE SKIP LOCKED"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	matches, err := store.Find(ctx, "reservation optimistic concurrency")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Find() returned no matches")
	}
	if matches[0].Text != "the reservation engine uses optimistic concurrency" {
		t.Errorf("top match = %q, want the reservation text", matches[0].Text)
	}
}

func TestFakeKnowledgeStoreFindNoOverlap(t *testing.T) {
	ctx := context.Background()
	store := &FakeKnowledgeStore{}
	_ = store.Store(ctx, "unrelated text")

	matches, err := store.Find(ctx, "completely different query")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Find() = %v, want no matches", matches)
	}
}

func TestFakeVerifierDefaultPasses(t *testing.T) {
	v := &FakeVerifier{}
	result, err := v.Verify(context.Background(), []string{"a.go"})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Pass {
		t.Error("Verify() with no VerifyFn configured should default to Pass=true")
	}
}
