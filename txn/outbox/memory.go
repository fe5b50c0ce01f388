package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in tests and single-node
// deployments without durable staging requirements. Lease acquisition is
// atomic under one mutex, preserving the mutual-exclusion property the
// Processor relies on.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Message
	seq  map[uuid.UUID]int
	next int
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[uuid.UUID]*Message),
		seq:  make(map[uuid.UUID]int),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now != nil {
		s.now = now
	}
}

// Append stores copies of the messages. The tx handle is ignored: an
// in-memory store has no transaction to join.
func (s *MemoryStore) Append(_ context.Context, _ Tx, msgs ...*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		if msg == nil {
			return ErrMessageRequired
		}

		clone := *msg
		s.rows[clone.ID] = &clone
		s.seq[clone.ID] = s.next
		s.next++
	}

	return nil
}

// Lease claims up to limit due pending messages for owner.
func (s *MemoryStore) Lease(_ context.Context, owner string, limit int, leaseFor time.Duration) ([]*Message, error) {
	if owner == "" {
		return nil, ErrLeaseOwnerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	candidates := make([]*Message, 0, limit)

	for _, row := range s.rows {
		if row.Status != StatusPending {
			continue
		}

		if row.NextRetryAt.After(now) {
			continue
		}

		if !row.LeaseExpired(now) {
			continue
		}

		candidates = append(candidates, row)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return s.seq[candidates[i].ID] < s.seq[candidates[j].ID]
		}

		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	expiry := now.Add(leaseFor)
	leased := make([]*Message, 0, len(candidates))

	for _, row := range candidates {
		row.LeaseOwner = owner
		leaseExpiry := expiry
		row.LeaseExpiry = &leaseExpiry

		clone := *row
		leased = append(leased, &clone)
	}

	return leased, nil
}

// MarkProcessed records a successful publish.
func (s *MemoryStore) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrMessageNotFound
	}

	row.Status = StatusProcessed
	at := processedAt.UTC()
	row.ProcessedAt = &at
	row.LeaseOwner = ""
	row.LeaseExpiry = nil

	return nil
}

// Reschedule releases the lease and defers the next attempt.
func (s *MemoryStore) Reschedule(_ context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrMessageNotFound
	}

	row.RetryCount++
	row.LastError = errMsg
	row.NextRetryAt = nextRetryAt.UTC()
	row.LeaseOwner = ""
	row.LeaseExpiry = nil

	return nil
}

// MarkFailed terminally fails a message.
func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrMessageNotFound
	}

	row.Status = StatusFailed
	row.LastError = errMsg
	row.LeaseOwner = ""
	row.LeaseExpiry = nil

	return nil
}

// DeleteProcessedBefore removes processed messages older than cutoff.
func (s *MemoryStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64

	for id, row := range s.rows {
		if limit > 0 && deleted >= int64(limit) {
			break
		}

		if row.Status != StatusProcessed || row.ProcessedAt == nil {
			continue
		}

		if row.ProcessedAt.Before(cutoff) {
			delete(s.rows, id)
			delete(s.seq, id)

			deleted++
		}
	}

	return deleted, nil
}

// Get returns a copy of one message, for tests and diagnostics.
func (s *MemoryStore) Get(id uuid.UUID) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, false
	}

	clone := *row

	return &clone, true
}

// List returns copies of all messages with the given status, in append order.
func (s *MemoryStore) List(status Status) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Message

	for _, row := range s.rows {
		if row.Status == status {
			clone := *row
			result = append(result, &clone)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return s.seq[result[i].ID] < s.seq[result[j].ID]
	})

	return result
}
