// Package breaker implements the per-project failure circuit breaker: a
// sliding window of recent execution failures that decides, independently of
// the scheduler, when a project's automatic dispatch must pause.
package breaker

import (
	"sync"
	"time"

	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/logx"
)

// TripReason says why the breaker paused scheduling.
type TripReason string

// Trip reasons.
const (
	// TripFailures means the window accumulated too many generic failures.
	TripFailures TripReason = "repeated_failures"
	// TripQuota means a classified quota or rate-limit error paused
	// scheduling immediately, regardless of the failure count.
	TripQuota TripReason = "quota"
)

func (r TripReason) String() string {
	return string(r)
}

// Message returns the operator-facing description for a trip.
func (r TripReason) Message() string {
	if r == TripQuota {
		return "quota/rate-limit detected"
	}
	return "repeated generic failures"
}

// Config tunes the sliding window.
type Config struct {
	// Window is how far back failures count. Zero means DefaultWindow.
	Window time.Duration
	// Threshold is how many windowed failures trip the breaker. Zero means
	// DefaultThreshold.
	Threshold int
}

// Window defaults.
const (
	DefaultWindow    = 60 * time.Second
	DefaultThreshold = 3
)

type failureRecord struct {
	at  time.Time
	err error
}

// Breaker tracks failures for a single project. A successful feature
// completion clears the window but never the paused flag; only an explicit
// Resume (a scheduler restart) un-pauses.
//
// Safe for concurrent use; feature attempts finish on their own goroutines.
type Breaker struct {
	logger *logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	failures []failureRecord
	paused   bool
	reason   TripReason
	pausedAt time.Time
}

// New returns a breaker for one project.
func New(cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Breaker{
		logger: logx.NewLogger("breaker"),
		now:    time.Now,
		cfg:    cfg,
	}
}

// RecordFailure appends a failure, prunes the window, and evaluates the trip
// condition. It returns tripped=true only on the transition into the paused
// state; while already paused further failures are recorded silently, so a
// second pause signal stays a no-op.
func (b *Breaker) RecordFailure(err error) (reason TripReason, tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, failureRecord{at: now, err: err})
	b.prune(now)

	if llmerrors.TripsBreakerFast(err) {
		return b.trip(TripQuota, err)
	}
	if len(b.failures) >= b.cfg.Threshold {
		return b.trip(TripFailures, err)
	}
	return "", false
}

// RecordSuccess clears the failure window. The paused flag is untouched:
// a pause outlives later successes until the loop is explicitly restarted.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

// Paused reports whether the breaker has paused scheduling, and why.
func (b *Breaker) Paused() (TripReason, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason, b.paused
}

// FailureCount returns how many failures the window currently holds.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

// Resume clears both the window and the paused flag. Called when the
// operator restarts the project's scheduler loop.
func (b *Breaker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		b.logger.Info("Breaker resumed after pause (%s)", b.reason)
	}
	b.failures = nil
	b.paused = false
	b.reason = ""
	b.pausedAt = time.Time{}
}

// Stats is a point-in-time snapshot for status surfaces.
type Stats struct {
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	Reason       TripReason `json:"reason,omitempty"`
	Paused       bool       `json:"paused"`
	FailureCount int        `json:"failure_count"`
	Threshold    int        `json:"threshold"`
}

// GetStats returns current statistics.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())

	stats := Stats{
		Paused:       b.paused,
		Reason:       b.reason,
		FailureCount: len(b.failures),
		Threshold:    b.cfg.Threshold,
	}
	if b.paused {
		at := b.pausedAt
		stats.PausedAt = &at
	}
	if n := len(b.failures); n > 0 {
		at := b.failures[n-1].at
		stats.LastFailure = &at
	}
	return stats
}

// trip moves into the paused state. Caller holds the lock.
func (b *Breaker) trip(reason TripReason, err error) (TripReason, bool) {
	if b.paused {
		return b.reason, false
	}
	b.paused = true
	b.reason = reason
	b.pausedAt = b.now()
	b.logger.Warn("Breaker tripped (%s) after %d failure(s) in window: %v",
		reason, len(b.failures), err)
	return reason, true
}

// prune drops window entries older than the configured window. Caller holds
// the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	keep := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			keep = append(keep, f)
		}
	}
	b.failures = keep
}
