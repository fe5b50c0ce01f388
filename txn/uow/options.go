package uow

import (
	"database/sql"
	"time"
)

// Options controls how a coordinator opens its sources.
type Options struct {
	// IsTransactional selects between a real transaction and a reserve
	// session that can later be escalated via EnsureTransaction.
	IsTransactional bool
	// Isolation is the requested isolation level for transactional opens.
	Isolation sql.IsolationLevel
	// Timeout bounds Initialize; zero means no additional deadline.
	Timeout time.Duration
}

// DefaultOptions returns the baseline coordinator options: transactional,
// backing-resource default isolation.
func DefaultOptions() Options {
	return Options{
		IsTransactional: true,
		Isolation:       sql.LevelDefault,
	}
}

func (o Options) sourceOptions() SourceOptions {
	return SourceOptions{
		Transactional: o.IsTransactional,
		Isolation:     o.Isolation,
	}
}
