package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ConductorDir is the per-project directory holding all conductor state.
	ConductorDir = ".conductor"

	// ProjectContextFile is the user-authored context file folded into prompts.
	ProjectContextFile = "CONTEXT.md"

	// ProjectContextCharLimit caps how much of the context file is loaded (~2000 tokens).
	ProjectContextCharLimit = 8000
)

// ProjectStateDir returns the conductor state directory for a project.
func ProjectStateDir(projectPath string) string {
	return filepath.Join(projectPath, ConductorDir)
}

// FeaturesDir returns the directory holding persisted feature records.
func FeaturesDir(projectPath string) string {
	return filepath.Join(ProjectStateDir(projectPath), "features")
}

// TranscriptsDir returns the directory holding per-feature agent transcripts.
func TranscriptsDir(projectPath string) string {
	return filepath.Join(ProjectStateDir(projectPath), "transcripts")
}

// WorktreesDir returns the directory where per-branch worktrees live.
func WorktreesDir(projectPath string) string {
	return filepath.Join(ProjectStateDir(projectPath), "worktrees")
}

// LogsDir returns the directory for daily log files.
func LogsDir(projectPath string) string {
	return filepath.Join(ProjectStateDir(projectPath), "logs")
}

// EnsureProjectLayout creates the conductor directory structure for a project.
func EnsureProjectLayout(projectPath string) error {
	for _, dir := range []string{
		ProjectStateDir(projectPath),
		FeaturesDir(projectPath),
		TranscriptsDir(projectPath),
		LogsDir(projectPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// LoadProjectContext reads the project's CONTEXT.md, truncated to the
// character limit. A missing file is not an error; it returns "".
func LoadProjectContext(projectPath string) (string, error) {
	path := filepath.Join(ProjectStateDir(projectPath), ProjectContextFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := strings.TrimSpace(string(data))
	if len(content) > ProjectContextCharLimit {
		content = content[:ProjectContextCharLimit]
	}
	return content, nil
}
