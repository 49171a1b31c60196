// Package execstate persists the per-project execution snapshot consulted
// only at process start: whether the scheduler loop was running, at what
// ceiling, and which features were believed in flight. The scheduler
// overwrites it on loop start and around every feature attempt, and deletes
// it on explicit stop.
package execstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// SchemaVersion guards snapshot compatibility across releases.
const SchemaVersion = 1

// SnapshotFileName is the snapshot file, relative to the project's conductor
// state directory.
const SnapshotFileName = "execution_state.json"

// Snapshot is the durable record of a project's in-flight work.
type Snapshot struct {
	SavedAt        time.Time `json:"saved_at"`
	SchemaVersion  int       `json:"schema_version"`
	LoopRunning    bool      `json:"loop_running"`
	MaxConcurrency int       `json:"max_concurrency"`
	InFlight       []string  `json:"in_flight,omitempty"`
}

// Store reads and writes execution snapshots. One instance serves all
// projects.
type Store struct {
	logger *logx.Logger
}

// NewStore returns an execution-state store.
func NewStore() *Store {
	return &Store{logger: logx.NewLogger("execstate")}
}

// Path returns the snapshot file for a project.
func (s *Store) Path(projectPath string) string {
	return filepath.Join(utils.ProjectStateDir(projectPath), SnapshotFileName)
}

// Save overwrites the project's snapshot, stamping the schema version and
// save time. The write is atomic; a crash mid-save leaves the previous
// snapshot intact.
func (s *Store) Save(projectPath string, snap Snapshot) error {
	snap.SchemaVersion = SchemaVersion
	snap.SavedAt = time.Now().UTC()

	if err := os.MkdirAll(utils.ProjectStateDir(projectPath), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return utils.AtomicWriteFile(s.Path(projectPath), data, 0o644)
}

// Load returns the project's snapshot, or nil when none exists. A snapshot
// that cannot be parsed, or was written by a different schema version, is
// discarded with a warning rather than failing recovery.
func (s *Store) Load(projectPath string) (*Snapshot, error) {
	path := s.Path(projectPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("Discarding unreadable snapshot %s: %v", path, err)
		return nil, nil
	}
	if snap.SchemaVersion != SchemaVersion {
		s.logger.Warn("Discarding snapshot %s with schema version %d (want %d)",
			path, snap.SchemaVersion, SchemaVersion)
		return nil, nil
	}
	return &snap, nil
}

// Clear deletes the project's snapshot. Missing is not an error.
func (s *Store) Clear(projectPath string) error {
	if err := os.Remove(s.Path(projectPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}
