package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Learning is a durable note distilled from an execution run, surfaced in
// later prompts so the agent stops re-discovering the same project facts.
type Learning struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	FeatureID   string    `json:"feature_id,omitempty"`
	Content     string    `json:"content"`
}

// SaveLearning stores one learning and returns its generated ID. Blank
// content is silently dropped.
func (d *DB) SaveLearning(projectPath, featureID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil
	}

	id := uuid.New().String()
	_, err := d.db.Exec(`
		INSERT INTO learnings (id, project_path, feature_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, projectPath, nullableString(featureID), content, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to save learning: %w", err)
	}
	return id, nil
}

// SearchLearnings returns learnings matching every term (substring match,
// case-insensitive via LIKE), newest first. Empty terms return the most
// recent learnings.
func (d *DB) SearchLearnings(projectPath string, terms []string, limit int) ([]*Learning, error) {
	if limit <= 0 {
		limit = 10
	}

	query := "SELECT id, project_path, feature_id, content, created_at FROM learnings WHERE 1=1"
	var args []interface{}

	if projectPath != "" {
		query += " AND project_path = ?"
		args = append(args, projectPath)
	}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		query += " AND content LIKE ?"
		args = append(args, "%"+term+"%")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var learnings []*Learning
	for rows.Next() {
		l := &Learning{}
		var featureID sql.NullString
		if err := rows.Scan(&l.ID, &l.ProjectPath, &featureID, &l.Content, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		l.FeatureID = featureID.String
		learnings = append(learnings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return learnings, nil
}
