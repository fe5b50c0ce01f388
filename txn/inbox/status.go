package inbox

import "fmt"

// Status is the lifecycle state of an inbox message.
type Status string

const (
	// StatusPending marks a recorded message not yet handled.
	StatusPending Status = "PENDING"
	// StatusProcessed marks a message whose handler completed; duplicates
	// of a processed event id are rejected.
	StatusProcessed Status = "PROCESSED"
	// StatusDiscarded marks a message dropped without successful handling,
	// either because its payload was unusable or its retry budget ran out.
	StatusDiscarded Status = "DISCARDED"
)

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessed, StatusDiscarded:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, s)
	}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusDiscarded:
		return true
	}

	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusDiscarded
}
