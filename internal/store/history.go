package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"drawbridge/internal/models"
)

// VersionInfo describes one snapshot on disk - either the current one or a
// versioned history entry.
type VersionInfo struct {
	Timestamp    int64 `json:"timestamp"`
	ElementCount int   `json:"elementCount"`
	Size         int64 `json:"size"`
}

// ListVersionedSnapshots enumerates {id}.snapshot-{millis} files for the
// session, newest first. Entries that cannot be read still appear with a
// zero element count so history stays visible even when partially damaged.
func (s *Store) ListVersionedSnapshots(id string) []VersionInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("⚠️  Failed to read data dir %s: %v", s.dir, err)
		return nil
	}

	prefix := id + ".snapshot-"
	var versions []VersionInfo

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}

		ts, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			continue // not a versioned snapshot (e.g. a stray .tmp file)
		}

		info := VersionInfo{Timestamp: ts}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		if snap, err := s.ReadVersionedSnapshot(id, ts); err == nil {
			info.ElementCount = len(snap.Elements)
		}

		versions = append(versions, info)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Timestamp > versions[j].Timestamp
	})

	return versions
}

// PruneVersionedSnapshots keeps the newest NHistory versioned snapshots and
// deletes the rest, oldest first.
func (s *Store) PruneVersionedSnapshots(id string) {
	versions := s.ListVersionedSnapshots(id)
	for _, v := range versions[min(len(versions), NHistory):] {
		if err := os.Remove(s.versionedPath(id, v.Timestamp)); err != nil {
			log.Printf("⚠️  Session %s: failed to prune versioned snapshot %d: %v", id, v.Timestamp, err)
		}
	}
}

// ReadVersionedSnapshot decodes one history entry.
func (s *Store) ReadVersionedSnapshot(id string, ts int64) (models.Snapshot, error) {
	var snap models.Snapshot

	data, err := os.ReadFile(s.versionedPath(id, ts))
	if err != nil {
		return snap, fmt.Errorf("failed to read versioned snapshot %d for session %s: %w", ts, id, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode versioned snapshot %d for session %s: %w", ts, id, err)
	}

	return snap, nil
}

// WriteVersionedSnapshot records the given state directly into version
// history (used to preserve the live state before a restore overwrites it).
// Returns the timestamp the entry was filed under.
func (s *Store) WriteVersionedSnapshot(id string, snap models.Snapshot) (int64, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot for session %s: %w", id, err)
	}

	ts := s.nextVersionTimestamp(id)
	if err := os.WriteFile(s.versionedPath(id, ts), data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write versioned snapshot for session %s: %w", id, err)
	}

	s.PruneVersionedSnapshots(id)

	if s.backup != nil {
		s.backup.SubmitSnapshot(id, ts, data)
	}

	return ts, nil
}

// PromoteVersionedSnapshot copies a history entry over the current snapshot
// (atomic rename, the history entry itself stays in place) and truncates the
// log. The caller replaces the live state with the decoded entry.
//
// Truncation comes first, for the same reason as in WriteSnapshot: a crash
// between the steps leaves the pre-restore snapshot with an empty log (the
// restore simply did not happen). Promoting first would let the next load
// replay pre-restore operations on top of the restored state.
func (s *Store) PromoteVersionedSnapshot(id string, ts int64) error {
	data, err := os.ReadFile(s.versionedPath(id, ts))
	if err != nil {
		return fmt.Errorf("failed to read versioned snapshot %d for session %s: %w", ts, id, err)
	}

	if err := writeFileAtomic(s.logPath(id), nil); err != nil {
		return fmt.Errorf("failed to truncate log for session %s: %w", id, err)
	}

	if err := writeFileAtomic(s.snapshotPath(id), data); err != nil {
		return fmt.Errorf("failed to promote versioned snapshot for session %s: %w", id, err)
	}

	return nil
}

// CurrentSnapshotInfo describes the current snapshot file, or nil if the
// session has never been compacted.
func (s *Store) CurrentSnapshotInfo(id string) *VersionInfo {
	fi, err := os.Stat(s.snapshotPath(id))
	if err != nil {
		return nil
	}

	info := &VersionInfo{
		Timestamp: fi.ModTime().UnixMilli(),
		Size:      fi.Size(),
	}

	if data, err := os.ReadFile(s.snapshotPath(id)); err == nil {
		var snap models.Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			info.ElementCount = len(snap.Elements)
		}
	}

	return info
}
