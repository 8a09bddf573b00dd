package registry

import "testing"

func TestGetKnownModel(t *testing.T) {
	r := New()
	spec, err := r.Get("bge-small-en-v1.5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if spec.Task != TaskEmbedding || spec.Dimension != 384 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestGetUnknownModel(t *testing.T) {
	r := New()
	if _, err := r.Get("nonexistent"); err == nil {
		t.Fatal("expected error for unknown model id")
	}
}

func TestListFiltersByTask(t *testing.T) {
	r := New()
	chat := r.List(TaskChat)
	if len(chat) != 1 || chat[0].ModelID != "gemma-3n-4b" {
		t.Fatalf("unexpected chat list: %+v", chat)
	}

	all := r.List("")
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	// Declaration order preserved: embedding before chat.
	if all[0].Task != TaskEmbedding || all[1].Task != TaskChat {
		t.Fatalf("unexpected order: %+v", all)
	}
}
