package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
type Status string

const (
	// StatusPending marks a message awaiting publish (including scheduled retries).
	StatusPending Status = "PENDING"
	// StatusProcessed marks a message successfully published.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed marks a message permanently failed after exhausting
	// retries or hitting a non-retryable error. Failed messages are
	// excluded from lease queries and surfaced for operational visibility.
	StatusFailed Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusPending || next == StatusProcessed || next == StatusFailed
	case StatusProcessed, StatusFailed:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
