package runtime

import (
	"errors"
	"testing"
	"time"
)

func TestRegisterAndGetRoundTrip(t *testing.T) {
	s := NewSpace()
	a := s.NewArtifact(Metadata{Name: "x", Kind: KindData}, map[string]interface{}{"a": 1})
	uid, err := s.Register(a)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := s.Get(uid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	value, ok := got.Value.(map[string]interface{})
	if !ok || value["a"] != 1 {
		t.Fatalf("unexpected value: %#v", got.Value)
	}
}

func TestRegisterAssignsUniqueUIDs(t *testing.T) {
	s := NewSpace()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		uid, err := s.Register(s.NewArtifact(Metadata{Name: "n", Kind: KindData}, i))
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		if seen[uid] {
			t.Fatalf("uid reused: %s", uid)
		}
		seen[uid] = true
	}
}

func TestRegisterCollision(t *testing.T) {
	s := NewSpace()
	a := s.NewArtifact(Metadata{Name: "x", Kind: KindData}, 1)
	if _, err := s.Register(a); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := s.Register(a); !errors.Is(err, ErrCollision) {
		t.Fatalf("expected collision, got %v", err)
	}
}

func TestGetUnknownUID(t *testing.T) {
	s := NewSpace()
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateKeepsUIDAndBumpsTimestamp(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	s := NewSpace(WithClock(func() time.Time { return now }))
	uid, err := s.Register(s.NewArtifact(Metadata{Name: "x", Kind: KindData}, 1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	before, _ := s.Get(uid)
	createdAt := before.Metadata.CreatedAt

	now = now.Add(time.Minute)
	if err := s.Update(uid, 2, "updater"); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, err := s.Get(uid)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if after.UID != uid {
		t.Fatalf("uid changed on update")
	}
	if after.Value != 2 {
		t.Fatalf("value not replaced: %#v", after.Value)
	}
	if after.Metadata.Source != "updater" {
		t.Fatalf("source not updated: %q", after.Metadata.Source)
	}
	if after.Metadata.UpdatedAt.Before(createdAt) {
		t.Fatalf("updated_at moved backwards")
	}
}

func TestUpdateNeverDecreasesUpdatedAt(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	s := NewSpace(WithClock(func() time.Time { return now }))
	uid, _ := s.Register(s.NewArtifact(Metadata{Name: "x", Kind: KindData}, 1))

	// Clock skew: wall clock jumps backwards between mutations.
	now = now.Add(-time.Hour)
	if err := s.Update(uid, 2, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	a, _ := s.Get(uid)
	if a.Metadata.UpdatedAt.Before(a.Metadata.CreatedAt) {
		t.Fatalf("updated_at decreased below created_at")
	}
}

func TestFindByNameReturnsRegistrationOrder(t *testing.T) {
	s := NewSpace()
	first, _ := s.Register(s.NewArtifact(Metadata{Name: "dup", Kind: KindData}, "first"))
	s.Register(s.NewArtifact(Metadata{Name: "other", Kind: KindData}, "noise"))
	second, _ := s.Register(s.NewArtifact(Metadata{Name: "dup", Kind: KindTool}, "second"))

	matches := s.FindByName("dup")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].UID != first || matches[1].UID != second {
		t.Fatalf("matches out of registration order")
	}
	if got := s.FindByName("absent"); len(got) != 0 {
		t.Fatalf("expected no matches, got %d", len(got))
	}
}

func TestListFiltersByKind(t *testing.T) {
	s := NewSpace()
	s.Register(s.NewArtifact(Metadata{Name: "d", Kind: KindData}, 1))
	s.Register(s.NewArtifact(Metadata{Name: "t", Kind: KindTool}, 2))
	if got := len(s.List("")); got != 2 {
		t.Fatalf("expected 2 artifacts, got %d", got)
	}
	tools := s.List(KindTool)
	if len(tools) != 1 || tools[0].Metadata.Name != "t" {
		t.Fatalf("kind filter failed: %#v", tools)
	}
}

func TestSnapshotDegradesUnserialisableValues(t *testing.T) {
	s := NewSpace()
	fn := func() {}
	uid, _ := s.Register(s.NewArtifact(Metadata{Name: "tool", Kind: KindTool}, fn))
	plain, _ := s.Register(s.NewArtifact(Metadata{Name: "data", Kind: KindData}, map[string]interface{}{"a": 1}))

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if _, ok := snap[uid].Value.(string); !ok {
		t.Fatalf("expected string fallback for function value, got %T", snap[uid].Value)
	}
	if _, ok := snap[plain].Value.(map[string]interface{}); !ok {
		t.Fatalf("expected native value preserved, got %T", snap[plain].Value)
	}
}
