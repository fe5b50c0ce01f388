package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in tests and single-node
// deployments without durable idempotency requirements. All operations
// hold one mutex, so recording the same event id concurrently still
// yields a single row.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Message
	seq  map[uuid.UUID]int
	next int
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory inbox store.
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

// HasProcessed reports whether eventID has a processed row.
func (s *MemoryStore) HasProcessed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]

	return ok && row.Status == StatusProcessed, nil
}

// MarkProcessed upserts msg as processed.
func (s *MemoryStore) MarkProcessed(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	row, ok := s.rows[msg.EventID]
	if !ok {
		clone := *msg
		row = &clone
		row.CreatedAt = now
		s.rows[row.EventID] = row
		s.seq[row.EventID] = s.next
		s.next++
	}

	row.Status = StatusProcessed
	row.HandledAt = &now
	row.LastError = ""
	row.ClaimOwner = ""
	row.ClaimExpiry = nil

	return nil
}

// Record stores msg as pending, returning false when the event id exists.
func (s *MemoryStore) Record(_ context.Context, msg *Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[msg.EventID]; ok {
		return false, nil
	}

	clone := *msg
	clone.Status = StatusPending
	s.rows[clone.EventID] = &clone
	s.seq[clone.EventID] = s.next
	s.next++

	return true, nil
}

// Claim atomically assigns up to limit due pending messages to owner in
// insertion order. Rows with a live claim are skipped, so concurrent
// processors never pick up the same message.
func (s *MemoryStore) Claim(_ context.Context, owner string, limit int, claimFor time.Duration) ([]*Message, error) {
	if owner == "" {
		return nil, ErrClaimOwnerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	due := make([]*Message, 0, limit)

	for _, row := range s.rows {
		if row.Status != StatusPending || row.NextRetryAt.After(now) {
			continue
		}

		if !row.ClaimExpired(now) {
			continue
		}

		due = append(due, row)
	}

	sort.Slice(due, func(i, j int) bool {
		return s.seq[due[i].EventID] < s.seq[due[j].EventID]
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	expiry := now.Add(claimFor)
	out := make([]*Message, len(due))

	for i, row := range due {
		row.ClaimOwner = owner
		claimExpiry := expiry
		row.ClaimExpiry = &claimExpiry

		clone := *row
		out[i] = &clone
	}

	return out, nil
}

// Reschedule bumps the retry count and next attempt time of a pending row
// and releases its claim.
func (s *MemoryStore) Reschedule(_ context.Context, eventID uuid.UUID, lastError string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return ErrMessageNotFound
	}

	if row.Status.IsTerminal() {
		return nil
	}

	row.RetryCount++
	row.LastError = lastError
	row.NextRetryAt = nextRetryAt
	row.ClaimOwner = ""
	row.ClaimExpiry = nil

	return nil
}

// Discard terminally drops a row while keeping it for duplicate rejection.
func (s *MemoryStore) Discard(_ context.Context, eventID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return ErrMessageNotFound
	}

	if row.Status == StatusProcessed {
		return nil
	}

	now := s.now()
	row.Status = StatusDiscarded
	row.LastError = reason
	row.HandledAt = &now
	row.ClaimOwner = ""
	row.ClaimExpiry = nil

	return nil
}

// DeleteProcessedBefore removes up to limit terminal rows handled before
// cutoff.
func (s *MemoryStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64

	for id, row := range s.rows {
		if limit > 0 && deleted >= int64(limit) {
			break
		}

		if !row.Status.IsTerminal() || row.HandledAt == nil || !row.HandledAt.Before(cutoff) {
			continue
		}

		delete(s.rows, id)
		delete(s.seq, id)
		deleted++
	}

	return deleted, nil
}

// Get returns a copy of the stored row, for tests.
func (s *MemoryStore) Get(eventID uuid.UUID) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return nil, false
	}

	clone := *row

	return &clone, true
}

// List returns copies of all rows in status, for tests.
func (s *MemoryStore) List(status Status) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, 0)

	for _, row := range s.rows {
		if row.Status != status {
			continue
		}

		clone := *row
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].EventID] < s.seq[out[j].EventID]
	})

	return out
}
