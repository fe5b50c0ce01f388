// Package inbox implements idempotent consumption of inbound events. A
// durable record of every consumed event id survives process restarts and
// rejects duplicate deliveries; a background Processor handles deferred
// messages and purges old processed records under a named distributed
// lock, so a replicated deployment runs exactly one cleaner at a time.
//
// MaxRetryCount counts retries, not attempts: a message gets one initial
// attempt plus MaxRetryCount retries, and the failure that would exceed
// that budget discards it instead of scheduling another retry.
package inbox
