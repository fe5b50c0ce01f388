package dispatch

import "fmt"

// Strategy selects how collected domain events reach their channel.
type Strategy string

const (
	// AlwaysUseOutbox stages every event into the outbox within the same
	// local transaction as the business writes; a background processor is
	// solely responsible for publishing. Highest reliability, added latency.
	AlwaysUseOutbox Strategy = "ALWAYS_USE_OUTBOX"
	// PublishWithFallback publishes directly after commit and stages the
	// event into the outbox only when the publish fails. Lower latency,
	// requires the channel to usually be available.
	PublishWithFallback Strategy = "PUBLISH_WITH_FALLBACK"
)

// ParseStrategy validates and converts a raw strategy string.
func ParseStrategy(raw string) (Strategy, error) {
	strategy := Strategy(raw)

	switch strategy {
	case AlwaysUseOutbox, PublishWithFallback:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStrategyInvalid, raw)
	}
}

func (s Strategy) String() string {
	return string(s)
}
