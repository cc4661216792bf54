package cache

import (
	"encoding/json"
	"testing"
	"time"
)

func testSnapshot(t *testing.T, fetchedAt time.Time, seq int, history bool) *Snapshot {
	t.Helper()
	body, err := json.Marshal(map[string]int{"seq": seq})
	if err != nil {
		t.Fatal(err)
	}
	return &Snapshot{
		FetchedAt:      fetchedAt,
		APILastUpdated: fetchedAt,
		PayloadHash:    HashPayload(body),
		Fresh:          true,
		History:        history,
		Payload:        body,
	}
}

func TestSnapshotStore_PutAndLatest(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := s.Put(testSnapshot(t, base.Add(time.Duration(i)*time.Hour), i, false)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil {
		t.Fatal("Latest returned nil")
	}
	if !latest.FetchedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Latest FetchedAt = %v, want %v", latest.FetchedAt, base.Add(2*time.Hour))
	}

	var decoded map[string]int
	if err := json.Unmarshal(latest.Payload, &decoded); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if decoded["seq"] != 2 {
		t.Errorf("payload seq = %d, want 2", decoded["seq"])
	}
}

func TestSnapshotStore_EmptyLatest(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest on empty store: %v", err)
	}
	if latest != nil {
		t.Errorf("Latest on empty store = %+v, want nil", latest)
	}
}

func TestSnapshotStore_GetByHashPrefix(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap := testSnapshot(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), 7, false)
	if err := s.Put(snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(snap.PayloadHash[:8])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for known hash prefix")
	}
	if got.PayloadHash != snap.PayloadHash {
		t.Errorf("PayloadHash = %s, want %s", got.PayloadHash, snap.PayloadHash)
	}
}

func TestSnapshotStore_PurgeRespectsRetentionAndHistory(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	old := now.Add(-72 * time.Hour)
	recent := now.Add(-12 * time.Hour)

	// Two expired ordinary snapshots, one expired history snapshot, one
	// recent ordinary snapshot.
	for i, tc := range []struct {
		at      time.Time
		history bool
	}{
		{old, false},
		{old.Add(time.Hour), false},
		{old.Add(2 * time.Hour), true},
		{recent, false},
	} {
		if err := s.Put(testSnapshot(t, tc.at, i, tc.history)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	removed, err := s.Purge(now, 48*time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	remaining, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining snapshots = %d, want 2", len(remaining))
	}
	foundHistory := false
	for _, snap := range remaining {
		if snap.History {
			foundHistory = true
		}
	}
	if !foundHistory {
		t.Error("history snapshot should survive purge regardless of age")
	}
}

func TestHashPayload_Deterministic(t *testing.T) {
	a := HashPayload([]byte(`{"x":1}`))
	b := HashPayload([]byte(`{"x":1}`))
	c := HashPayload([]byte(`{"x":2}`))
	if a != b {
		t.Error("identical payloads should hash identically")
	}
	if a == c {
		t.Error("different payloads should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestSnapshotStore_AllSortedOldestFirst(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	// Insert newest first to prove ordering comes from the store.
	for i := 2; i >= 0; i-- {
		if err := s.Put(testSnapshot(t, base.Add(time.Duration(i)*time.Hour), i, false)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].FetchedAt.Before(all[i-1].FetchedAt) {
			t.Fatalf("snapshots out of order: %v before %v", all[i].FetchedAt, all[i-1].FetchedAt)
		}
	}
}
