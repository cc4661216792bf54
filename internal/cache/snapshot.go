package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot is one immutable raw payload from the upstream API. A snapshot is
// created on every fetch attempt and never mutated after creation.
type Snapshot struct {
	FetchedAt      time.Time       `json:"fetched_at"`
	APILastUpdated time.Time       `json:"api_last_updated"`
	PayloadHash    string          `json:"payload_hash"`
	Cached         bool            `json:"is_cached"`
	Fresh          bool            `json:"is_fresh"`
	Stale          bool            `json:"is_stale"`
	History        bool            `json:"is_history"`
	Payload        json.RawMessage `json:"payload"`
}

// HashPayload returns the content digest used for snapshot identity.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// SnapshotStore is a content-addressed archive of raw API responses, one JSON
// file per snapshot. History snapshots (first of each day) are exempt from
// age-based eviction.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore opens (creating if needed) a snapshot directory.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) filename(snap *Snapshot) string {
	prefix := "snapshot"
	if snap.History {
		prefix = "history"
	}
	hash := snap.PayloadHash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%s_%s_%s.json", prefix, snap.FetchedAt.UTC().Format("20060102T150405"), hash)
}

// Put writes a snapshot to disk atomically (temp file, then rename).
func (s *SnapshotStore) Put(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	path := filepath.Join(s.dir, s.filename(snap))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recently fetched snapshot, or nil if the store is
// empty.
func (s *SnapshotStore) Latest() (*Snapshot, error) {
	names, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	var latest *Snapshot
	for _, name := range names {
		snap, err := s.read(name)
		if err != nil {
			continue // unreadable files don't block serving
		}
		if latest == nil || snap.FetchedAt.After(latest.FetchedAt) {
			latest = snap
		}
	}
	return latest, nil
}

// Get returns the snapshot whose content hash starts with hashPrefix, or nil.
func (s *SnapshotStore) Get(hashPrefix string) (*Snapshot, error) {
	names, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		snap, err := s.read(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(snap.PayloadHash, hashPrefix) {
			return snap, nil
		}
	}
	return nil, nil
}

// All returns every stored snapshot, oldest first.
func (s *SnapshotStore) All() ([]Snapshot, error) {
	names, err := s.list()
	if err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snap, err := s.read(name)
		if err != nil {
			continue
		}
		snaps = append(snaps, *snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].FetchedAt.Before(snaps[j].FetchedAt) })
	return snaps, nil
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore) Count() (int, error) {
	names, err := s.list()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Purge removes snapshots older than retention, keeping history snapshots
// indefinitely. Returns the number of files removed.
func (s *SnapshotStore) Purge(now time.Time, retention time.Duration) (int, error) {
	names, err := s.list()
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-retention)
	removed := 0
	for _, name := range names {
		if strings.HasPrefix(name, "history_") {
			continue
		}
		snap, err := s.read(name)
		if err != nil {
			continue
		}
		if snap.History || !snap.FetchedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return removed, fmt.Errorf("removing snapshot %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func (s *SnapshotStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if !strings.HasPrefix(e.Name(), "snapshot_") && !strings.HasPrefix(e.Name(), "history_") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *SnapshotStore) read(name string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", name, err)
	}
	return &snap, nil
}
