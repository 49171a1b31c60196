// Package approval is the plan approval gate: a registry of outstanding
// human-approval requests, decoupled from the execution flows that created
// them. Execution registers a ticket, emits the approval-required event, and
// blocks on the ticket's decision channel; reviewers resolve through the
// registry from whatever surface received the event. Unresolved tickets
// auto-reject on a timeout so the registry cannot retain memory forever.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
)

// DefaultTimeout bounds how long a registered approval stays open.
const DefaultTimeout = 30 * time.Minute

// ErrNotFound is returned when no ticket is outstanding for a feature.
// Callers holding a project path may then attempt the persisted-plan
// recovery path instead.
var ErrNotFound = errors.New("no pending approval")

// ErrAlreadyPending is returned when a feature registers twice without
// resolving the first ticket.
var ErrAlreadyPending = errors.New("approval already pending")

// Decision is the outcome delivered to the waiting execution flow.
type Decision struct {
	// Approved is the reviewer's verdict. Timeouts and cancellations
	// always carry Approved=false.
	Approved bool
	// EditedPlan optionally replaces the plan content on approval, or
	// accompanies a rejection to steer the next revision.
	EditedPlan string
	// Feedback is free-form reviewer guidance for the revision loop.
	Feedback string
	// TimedOut marks an auto-rejection after the registry timeout.
	TimedOut bool
	// Canceled marks a resolution forced by stopping the feature.
	Canceled bool
}

// Ticket is one outstanding approval request. The decision channel holds a
// single Decision; exactly one resolution path ever sends on it.
type Ticket struct {
	ID          string
	FeatureID   string
	ProjectPath string
	Plan        string
	Revision    int
	CreatedAt   time.Time
	ExpiresAt   time.Time

	decision chan Decision
	timer    *time.Timer
}

// Decision returns the channel the execution flow blocks on.
func (t *Ticket) Decision() <-chan Decision {
	return t.decision
}

// Info is a read-only snapshot of a pending ticket for status surfaces.
type Info struct {
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ID          string    `json:"id"`
	FeatureID   string    `json:"feature_id"`
	ProjectPath string    `json:"project_path"`
	Revision    int       `json:"revision"`
}

// Registry tracks pending approvals keyed by feature ID. Safe for concurrent
// use: executions register and block on their own goroutines while reviewer
// surfaces resolve from others.
type Registry struct {
	logger  *logx.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*Ticket
}

// NewRegistry returns a registry whose tickets auto-reject after timeout.
// A non-positive timeout means DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		logger:  logx.NewLogger("approval"),
		timeout: timeout,
		pending: make(map[string]*Ticket),
	}
}

// Register creates a ticket for a feature's generated plan. The ticket is
// registered before Register returns, so callers can emit the
// approval-required event afterwards knowing a resolution cannot miss it.
func (r *Registry) Register(projectPath, featureID, plan string, revision int) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[featureID]; exists {
		return nil, fmt.Errorf("feature %s: %w", featureID, ErrAlreadyPending)
	}

	now := time.Now().UTC()
	t := &Ticket{
		ID:          uuid.NewString(),
		FeatureID:   featureID,
		ProjectPath: projectPath,
		Plan:        plan,
		Revision:    revision,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.timeout),
		decision:    make(chan Decision, 1),
	}
	t.timer = time.AfterFunc(r.timeout, func() {
		if err := r.Resolve(featureID, Decision{TimedOut: true}); err == nil {
			r.logger.Warn("Approval for feature %s timed out after %s", featureID, r.timeout)
		}
	})
	r.pending[featureID] = t
	return t, nil
}

// Resolve delivers a decision to the feature's outstanding ticket and removes
// it. The first resolution wins; any later attempt (including the timeout
// firing after a manual resolution) gets ErrNotFound.
func (r *Registry) Resolve(featureID string, d Decision) error {
	r.mu.Lock()
	t, ok := r.pending[featureID]
	if ok {
		delete(r.pending, featureID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}

	t.timer.Stop()
	t.decision <- d
	return nil
}

// Cancel rejects a feature's outstanding ticket with a cancellation
// decision. It reports whether a ticket was outstanding. Invoked when the
// feature is stopped.
func (r *Registry) Cancel(featureID string) bool {
	err := r.Resolve(featureID, Decision{Canceled: true})
	return err == nil
}

// CancelAll cancels every outstanding ticket, for shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Cancel(id)
	}
}

// Get returns the pending ticket for a feature, if any.
func (r *Registry) Get(featureID string) (*Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pending[featureID]
	return t, ok
}

// List snapshots all pending tickets.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.pending))
	for _, t := range r.pending {
		infos = append(infos, Info{
			ID:          t.ID,
			FeatureID:   t.FeatureID,
			ProjectPath: t.ProjectPath,
			Revision:    t.Revision,
			CreatedAt:   t.CreatedAt,
			ExpiresAt:   t.ExpiresAt,
		})
	}
	return infos
}
