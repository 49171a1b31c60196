package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

const (
	// BackupCount is how many rolling backups are kept per feature record.
	BackupCount = 3

	// DefaultTranscriptLimit caps per-feature transcript files. An append
	// that pushes a transcript past the limit trims it to its most recent
	// half so long runs cannot fill the disk.
	DefaultTranscriptLimit = 1 << 20
)

// ErrNotFound is returned when no record exists for a feature ID.
var ErrNotFound = errors.New("feature not found")

// Store persists feature records as one JSON file per feature under
// <project>/.conductor/features/. Every write goes through a temp file in the
// target directory plus rename, so a crash mid-write never leaves a
// half-written record, and each overwrite first rotates the previous contents
// into numbered backups that Load falls back to when the primary file is
// corrupt.
//
// A Store carries no per-project state; one instance serves all projects.
type Store struct {
	logger *logx.Logger

	// TranscriptLimit is the trim threshold for transcript files, in bytes.
	// Zero or negative disables trimming.
	TranscriptLimit int64
}

// NewStore returns a feature store with the default transcript limit.
func NewStore() *Store {
	return &Store{
		logger:          logx.NewLogger("feature-store"),
		TranscriptLimit: DefaultTranscriptLimit,
	}
}

// Save writes a feature record durably, stamping UpdatedAt (and CreatedAt on
// first save). The previous on-disk contents are rotated into backup slot 1
// before the record is replaced.
func (s *Store) Save(projectPath string, f *Feature) error {
	if f == nil {
		return fmt.Errorf("cannot save nil feature")
	}
	if err := validateFeatureID(f.ID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	if err := os.MkdirAll(utils.FeaturesDir(projectPath), 0o755); err != nil {
		return fmt.Errorf("failed to create features dir: %w", err)
	}
	if err := s.rotateBackups(projectPath, f.ID); err != nil {
		// A failed rotation must not block the save itself.
		s.logger.Warn("Backup rotation for feature %s failed: %v", f.ID, err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal feature %s: %w", f.ID, err)
	}
	return utils.AtomicWriteFile(s.recordPath(projectPath, f.ID), data, 0o644)
}

// Load reads a feature record, falling back through the rolling backups
// (newest first) when the primary file is corrupt. A record that never
// existed returns ErrNotFound; one that exists in no readable form returns
// the primary file's parse error.
func (s *Store) Load(projectPath, featureID string) (*Feature, error) {
	if err := validateFeatureID(featureID); err != nil {
		return nil, err
	}

	path := s.recordPath(projectPath, featureID)
	f, err := readRecord(path)
	if err == nil {
		return f, nil
	}
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}

	s.logger.Warn("Feature record %s is unreadable (%v), trying backups", path, err)
	for n := 1; n <= BackupCount; n++ {
		f, berr := readRecord(s.backupPath(projectPath, featureID, n))
		if berr == nil {
			s.logger.Warn("Recovered feature %s from backup %d", featureID, n)
			return f, nil
		}
		if !os.IsNotExist(berr) {
			s.logger.Debug("Backup %d for feature %s unreadable: %v", n, featureID, berr)
		}
	}
	return nil, fmt.Errorf("failed to load feature %s: %w", featureID, err)
}

// List returns all feature records for a project sorted by creation time,
// then ID. Records that cannot be read in any form are skipped with a warning
// so one bad file does not hide the rest of the backlog.
func (s *Store) List(projectPath string) ([]*Feature, error) {
	entries, err := os.ReadDir(utils.FeaturesDir(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read features dir: %w", err)
	}

	var features []*Feature
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		f, err := s.Load(projectPath, strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable feature record %s: %v", name, err)
			continue
		}
		features = append(features, f)
	}

	sort.Slice(features, func(i, j int) bool {
		if features[i].CreatedAt.Equal(features[j].CreatedAt) {
			return features[i].ID < features[j].ID
		}
		return features[i].CreatedAt.Before(features[j].CreatedAt)
	})
	return features, nil
}

// Update loads a feature, applies mutate, and saves the result. It returns
// the saved feature so callers can read the stamped timestamps.
func (s *Store) Update(projectPath, featureID string, mutate func(*Feature) error) (*Feature, error) {
	f, err := s.Load(projectPath, featureID)
	if err != nil {
		return nil, err
	}
	if err := mutate(f); err != nil {
		return nil, err
	}
	if err := s.Save(projectPath, f); err != nil {
		return nil, err
	}
	return f, nil
}

// UpdateStatus transitions a feature to a new lifecycle status.
func (s *Store) UpdateStatus(projectPath, featureID string, status Status) error {
	_, err := s.Update(projectPath, featureID, func(f *Feature) error {
		f.Status = status
		return nil
	})
	return err
}

// Delete removes a feature record and its backups. Transcripts are kept for
// the audit trail.
func (s *Store) Delete(projectPath, featureID string) error {
	if err := validateFeatureID(featureID); err != nil {
		return err
	}
	if err := os.Remove(s.recordPath(projectPath, featureID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete feature %s: %w", featureID, err)
	}
	for n := 1; n <= BackupCount; n++ {
		_ = os.Remove(s.backupPath(projectPath, featureID, n))
	}
	return nil
}

// TranscriptPath returns the transcript file for a feature.
func (s *Store) TranscriptPath(projectPath, featureID string) string {
	return filepath.Join(utils.TranscriptsDir(projectPath), utils.SanitizeIdentifier(featureID)+".log")
}

// AppendTranscript appends agent output to the feature's transcript, creating
// the file on first use. Once the file grows past TranscriptLimit it is
// trimmed to its most recent half, starting at a line boundary.
func (s *Store) AppendTranscript(projectPath, featureID, text string) error {
	if text == "" {
		return nil
	}
	if err := os.MkdirAll(utils.TranscriptsDir(projectPath), 0o755); err != nil {
		return fmt.Errorf("failed to create transcripts dir: %w", err)
	}

	path := s.TranscriptPath(projectPath, featureID)
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := fh.WriteString(text); err != nil {
		fh.Close()
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close transcript: %w", err)
	}
	return s.trimTranscript(path)
}

// ReadTranscript returns the transcript contents, or "" when none exists.
func (s *Store) ReadTranscript(projectPath, featureID string) (string, error) {
	data, err := os.ReadFile(s.TranscriptPath(projectPath, featureID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

func (s *Store) trimTranscript(path string) error {
	limit := s.TranscriptLimit
	if limit <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat transcript: %w", err)
	}
	if info.Size() <= limit {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read transcript for trim: %w", err)
	}
	keep := data[int64(len(data))-limit/2:]
	if idx := bytes.IndexByte(keep, '\n'); idx >= 0 && idx+1 < len(keep) {
		keep = keep[idx+1:]
	}
	return utils.AtomicWriteFile(path, keep, 0o644)
}

func (s *Store) recordPath(projectPath, featureID string) string {
	return filepath.Join(utils.FeaturesDir(projectPath), featureID+".json")
}

func (s *Store) backupPath(projectPath, featureID string, n int) string {
	return filepath.Join(utils.FeaturesDir(projectPath), "backups",
		fmt.Sprintf("%s.json.bak.%d", featureID, n))
}

// rotateBackups shifts existing backups up one slot and copies the current
// record into slot 1, dropping the oldest. The current record stays in place
// throughout; Save replaces it atomically afterwards.
func (s *Store) rotateBackups(projectPath, featureID string) error {
	current := s.recordPath(projectPath, featureID)
	if _, err := os.Stat(current); err != nil {
		if os.IsNotExist(err) {
			return nil // first save, nothing to back up
		}
		return err
	}

	backupDir := filepath.Join(utils.FeaturesDir(projectPath), "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	_ = os.Remove(s.backupPath(projectPath, featureID, BackupCount))
	for n := BackupCount - 1; n >= 1; n-- {
		src := s.backupPath(projectPath, featureID, n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, s.backupPath(projectPath, featureID, n+1)); err != nil {
			return fmt.Errorf("failed to rotate backup %d: %w", n, err)
		}
	}

	data, err := os.ReadFile(current)
	if err != nil {
		return fmt.Errorf("failed to read current record: %w", err)
	}
	return utils.AtomicWriteFile(s.backupPath(projectPath, featureID, 1), data, 0o644)
}

// readRecord reads and parses a single feature record file. Filesystem
// errors are returned unwrapped so callers can test them with os.IsNotExist.
func readRecord(path string) (*Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feature record %s: %w", path, err)
	}
	return &f, nil
}

// validateFeatureID rejects IDs that would escape the features directory or
// collide after filesystem sanitization.
func validateFeatureID(featureID string) error {
	if featureID == "" {
		return fmt.Errorf("feature ID is empty")
	}
	if utils.SanitizeIdentifier(featureID) != featureID || strings.Contains(featureID, "..") {
		return fmt.Errorf("invalid feature ID %q", featureID)
	}
	return nil
}
