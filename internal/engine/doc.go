// Package engine reconciles local optimistic canvas mutations against the
// eventually-consistent replicated store.
//
// The engine is event-driven with a single processing loop: remote change
// notifications, connectivity transitions, and pending write dispatches are
// all queue items consumed by Run (or Drain, for deterministic tests). The
// canvas.Store is safe for concurrent use, so optimistic applies happen
// synchronously in the caller's goroutine; everything else - reconciliation,
// dispatch, retries, snapshot catch-up - happens in the loop.
//
// Write failures revert the optimistic change to the last authoritative
// value. Transient transport failures retry with exponential backoff
// (unlimited attempts); permission and not-found failures do not retry.
// Change events are gated by a per-object sequence high-water mark, so an
// event that arrives out of order is dropped instead of regressing state.
package engine
