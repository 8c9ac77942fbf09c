package identity

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"antigravity-manager/internal/platform/errors"
)

const (
	snapshotStorageName = "storage.json"
	snapshotStateName   = "state.vscdb"
	snapshotMarkerName  = "marker.json"
	snapshotVersion     = 1
)

// SnapshotMarker records what a last-known-good snapshot contains. SavedAt
// is unix epoch milliseconds.
type SnapshotMarker struct {
	Version    int   `json:"version"`
	SavedAt    int64 `json:"savedAt"`
	HasStateDB bool  `json:"hasStateDb"`
}

// Snapshot is the last-known-good copy of the IDE state files, written only
// after a fully verified apply and used as the recovery path of last resort.
type Snapshot struct {
	dir string
}

func NewSnapshot(dir string) *Snapshot {
	return &Snapshot{dir: dir}
}

// Commit copies the current storage file and, when present, the state
// database into the snapshot directory and writes the marker last so a
// half-written snapshot is never trusted.
func (s *Snapshot) Commit(storagePath, statePath string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.snapshot.commit", "create snapshot dir", err)
	}
	if err := copyFile(storagePath, filepath.Join(s.dir, snapshotStorageName)); err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.snapshot.commit", "copy storage file", err)
	}

	hasState := false
	if statePath != "" {
		if _, err := os.Stat(statePath); err == nil {
			if err := copyFile(statePath, filepath.Join(s.dir, snapshotStateName)); err != nil {
				return errors.Wrap(errors.KindIdentity, "identity.snapshot.commit", "copy state db", err)
			}
			hasState = true
		}
	}

	marker := SnapshotMarker{Version: snapshotVersion, SavedAt: time.Now().UnixMilli(), HasStateDB: hasState}
	raw, err := sonic.Marshal(marker)
	if err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.snapshot.commit", "marshal marker", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, snapshotMarkerName), raw, 0o644); err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.snapshot.commit", "write marker", err)
	}
	return nil
}

// Marker reads the snapshot marker. A missing marker means no usable
// snapshot exists.
func (s *Snapshot) Marker() (*SnapshotMarker, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, snapshotMarkerName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindIdentity, "identity.snapshot.marker", "read marker", err)
	}
	var marker SnapshotMarker
	if err := sonic.Unmarshal(raw, &marker); err != nil {
		return nil, errors.Wrap(errors.KindIdentity, "identity.snapshot.marker", "parse marker", err)
	}
	return &marker, nil
}

// Restore copies the snapshot back over the live files. It refuses to act
// without a valid marker.
func (s *Snapshot) Restore(storagePath, statePath string) error {
	marker, err := s.Marker()
	if err != nil {
		return err
	}
	if marker == nil {
		return errors.New(errors.KindIdentity, "identity.snapshot.restore", "no snapshot available")
	}
	if err := copyFile(filepath.Join(s.dir, snapshotStorageName), storagePath); err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.snapshot.restore", "restore storage file", err)
	}
	if marker.HasStateDB && statePath != "" {
		if err := copyFile(filepath.Join(s.dir, snapshotStateName), statePath); err != nil {
			return errors.Wrap(errors.KindIdentity, "identity.snapshot.restore", "restore state db", err)
		}
	}
	return nil
}
