// Package pipeline defines the ordered post-implementation steps a project
// runs after a feature's initial implementation, and the crash-recovery
// classification of persisted pipeline statuses against the current step
// configuration.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"conductor/pkg/feature"
	"conductor/pkg/utils"
)

// ConfigFileName is the per-project pipeline configuration, relative to the
// project's conductor state directory.
const ConfigFileName = "pipeline.yaml"

// Step is one post-implementation pipeline step. Steps run sequentially in
// Order; the step's ID is embedded in the feature status while it runs, so
// IDs must stay stable across configuration edits for resumption to work.
type Step struct {
	ID     string `yaml:"id"     json:"id"`
	Name   string `yaml:"name"   json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`
	Order  int    `yaml:"order"  json:"order"`
	// Disabled steps stay in the file for later re-activation but are
	// skipped by Load.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Config is the on-disk shape of .conductor/pipeline.yaml.
type Config struct {
	Steps []Step `yaml:"steps"`
}

// Load reads a project's pipeline steps, validated and sorted by Order
// (ties keep file order). A missing file means the project runs no pipeline
// and returns no error.
func Load(projectPath string) ([]Step, error) {
	path := filepath.Join(utils.ProjectStateDir(projectPath), ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}

	steps := make([]Step, 0, len(cfg.Steps))
	for _, s := range cfg.Steps {
		if !s.Disabled {
			steps = append(steps, s)
		}
	}
	if err := Validate(steps); err != nil {
		return nil, err
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps, nil
}

// Save writes a project's pipeline configuration.
func Save(projectPath string, cfg Config) error {
	if err := Validate(cfg.Steps); err != nil {
		return err
	}
	if err := os.MkdirAll(utils.ProjectStateDir(projectPath), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline config: %w", err)
	}
	path := filepath.Join(utils.ProjectStateDir(projectPath), ConfigFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline config: %w", err)
	}
	return nil
}

// Validate rejects step lists whose IDs are missing, unsafe for embedding in
// a feature status, or duplicated.
func Validate(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("pipeline step %d has no id", i)
		}
		if utils.SanitizeIdentifier(s.ID) != s.ID {
			return fmt.Errorf("pipeline step id %q contains unsafe characters", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate pipeline step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Detection classifies a persisted feature status against the current step
// configuration during crash recovery.
type Detection struct {
	// IsPipeline is false when the status is not pipeline-shaped at all.
	IsPipeline bool
	// StepID is the id parsed out of a pipeline-shaped status.
	StepID string
	// StepIndex locates StepID in the current configuration, or -1 when
	// the step has been deleted since the crash. A deleted step is never
	// re-run; the feature completes without it.
	StepIndex int
}

// Detect parses a persisted status and resolves it against steps. Partial
// completion of a step is indistinguishable from none, so a valid detection
// resumes by re-running the step at StepIndex.
func Detect(status feature.Status, steps []Step) Detection {
	stepID, ok := status.PipelineStepID()
	if !ok {
		return Detection{StepIndex: -1}
	}

	d := Detection{IsPipeline: true, StepID: stepID, StepIndex: -1}
	for i, s := range steps {
		if s.ID == stepID {
			d.StepIndex = i
			break
		}
	}
	return d
}
