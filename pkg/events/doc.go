// Package events defines the event envelope the runner and the multi-thread
// coordinator report through, and an in-process bus that fans events out to
// gateway clients.
//
// Invariants:
// - Publish never blocks on a slow subscriber.
// - Sequence numbers are strictly increasing per bus.
package events
