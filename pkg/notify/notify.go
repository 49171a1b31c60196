// Package notify delivers user-facing notifications for conductor events
// that want attention outside the event bus: plans awaiting review, paused
// projects, completed features. Delivery is best-effort side work; sink
// failures are logged and never reach the caller.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
)

// Type categorizes a notification.
type Type string

// Notification types.
const (
	TypeInfo     Type = "info"
	TypeSuccess  Type = "success"
	TypeWarning  Type = "warning"
	TypeError    Type = "error"
	TypeApproval Type = "approval"
)

// Notification is one user-facing message.
type Notification struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	FeatureID   string    `json:"feature_id,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
}

// Sink delivers a notification somewhere: a file, a desktop popup, a
// webhook.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Service stamps notifications and fans them out to its sinks.
type Service struct {
	logger *logx.Logger
	sinks  []Sink
}

// NewService returns a service delivering to the given sinks. With no sinks
// it degrades to a logger.
func NewService(sinks ...Sink) *Service {
	return &Service{
		logger: logx.NewLogger("notify"),
		sinks:  sinks,
	}
}

// Notify builds and delivers a notification. Sink errors are logged; the
// stamped notification is always returned.
func (s *Service) Notify(ctx context.Context, typ Type, title, message, projectPath, featureID string) Notification {
	n := Notification{
		CreatedAt:   time.Now().UTC(),
		ID:          uuid.NewString(),
		Type:        typ,
		Title:       title,
		Message:     message,
		FeatureID:   featureID,
		ProjectPath: projectPath,
	}

	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			s.logger.Warn("Notification delivery failed (%T): %v", sink, err)
		}
	}
	return n
}
