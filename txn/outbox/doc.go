// Package outbox implements durable staging of domain events awaiting
// publish. Messages are appended atomically with business writes inside
// the caller's transaction; a background Processor leases pending messages
// with a time-bounded conditional claim, publishes them through a channel
// publisher, retries with exponential backoff, and expires permanently
// failed messages for operational visibility.
//
// MaxRetryCount counts retries, not attempts: a message gets one initial
// attempt plus MaxRetryCount retries, and the failure that would exceed
// that budget marks it FAILED instead of scheduling another retry.
package outbox
