package event

import "sync"

// Raiser accumulates envelopes raised by an aggregate during a unit of
// work, preserving add order. Embed it in aggregate roots or attach it to
// a transaction source that implements uow.EventCollector.
type Raiser struct {
	mu        sync.Mutex
	envelopes []*Envelope
}

// Raise appends an envelope to the pending set.
func (r *Raiser) Raise(envelope *Envelope) {
	if envelope == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.envelopes = append(r.envelopes, envelope)
}

// Drain returns the pending envelopes in add order and clears the set.
func (r *Raiser) Drain() []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := r.envelopes
	r.envelopes = nil

	return drained
}

// Pending returns the number of undrained envelopes.
func (r *Raiser) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.envelopes)
}
