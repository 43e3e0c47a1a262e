package models

// ExecutionStatus is the lifecycle state shared by pipeline runs and step
// runs. Transitions only move forward and the terminal states are final.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCached    ExecutionStatus = "cached"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state counts as a successful finish.
func (s ExecutionStatus) IsSuccessful() bool {
	return s == StatusCompleted || s == StatusCached
}

// CanTransitionTo reports whether moving to next keeps the lifecycle
// forward-only. Cached is reachable straight from pending because cached
// work is never started.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCached || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCached
	default:
		return false
	}
}
