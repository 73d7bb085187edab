package memory

import (
	"context"
	"testing"
)

func TestInMemoryRecentHistory(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, c := range []string{"one", "two", "three"} {
		if err := s.SaveTurn(ctx, TurnRecord{SessionID: "s1", Role: RoleUser, Content: c}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	_ = s.SaveTurn(ctx, TurnRecord{SessionID: "s2", Role: RoleUser, Content: "other"})

	got, err := s.RecentHistory(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentHistory() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("RecentHistory() = %+v, want [two three]", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("SaveTurn() should fill ID and CreatedAt: %+v", got[0])
	}

	all, _ := s.RecentHistory(ctx, "s1", 0)
	if len(all) != 3 {
		t.Fatalf("len(RecentHistory(limit 0)) = %d, want 3", len(all))
	}

	s.Forget("s1")
	if got, _ := s.RecentHistory(ctx, "s1", 5); len(got) != 0 {
		t.Fatalf("RecentHistory() after Forget = %+v, want empty", got)
	}
}
