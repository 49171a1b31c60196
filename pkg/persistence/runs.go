package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run outcome constants.
const (
	OutcomeVerified        = "verified"
	OutcomeWaitingApproval = "waiting_approval"
	OutcomeStopped         = "stopped"
	OutcomeFailed          = "failed"
)

// Run records a single execution attempt of a feature.
type Run struct {
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	ID               string     `json:"id"`
	ProjectPath      string     `json:"project_path"`
	FeatureID        string     `json:"feature_id"`
	Model            string     `json:"model,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// RecordRunStart inserts a new run row and returns its generated ID.
func (d *DB) RecordRunStart(projectPath, featureID, model string) (string, error) {
	id := uuid.New().String()
	_, err := d.db.Exec(`
		INSERT INTO runs (id, project_path, feature_id, model, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, projectPath, featureID, model, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	return id, nil
}

// FinishRun stamps a run with its outcome, token usage, and optional error text.
func (d *DB) FinishRun(runID, outcome string, promptTokens, completionTokens int64, errText string) error {
	res, err := d.db.Exec(`
		UPDATE runs
		SET finished_at = ?, outcome = ?, prompt_tokens = ?, completion_tokens = ?, error = ?
		WHERE id = ?
	`, time.Now().UTC(), outcome, promptTokens, completionTokens, nullableString(errText), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check run update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// RecentRuns returns the newest runs, optionally filtered to one project.
func (d *DB) RecentRuns(projectPath string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, project_path, feature_id, model, started_at, finished_at,
		       outcome, prompt_tokens, completion_tokens, error
		FROM runs WHERE 1=1`
	var args []interface{}

	if projectPath != "" {
		query += " AND project_path = ?"
		args = append(args, projectPath)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var model, outcome, errText sql.NullString
		var finishedAt sql.NullTime
		err := rows.Scan(
			&run.ID, &run.ProjectPath, &run.FeatureID, &model,
			&run.StartedAt, &finishedAt, &outcome,
			&run.PromptTokens, &run.CompletionTokens, &errText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Model = model.String
		run.Outcome = outcome.String
		run.Error = errText.String
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// nullableString maps "" to NULL so empty errors don't clutter the table.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
