// Package notifications publishes pipeline events to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// callers never need to check whether notifications are enabled. Dead-letter,
// failed-cycle and error events are each gated by their own config flag.
package notifications
