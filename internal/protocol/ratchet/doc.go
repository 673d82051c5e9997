// Package ratchet derives per-message keys inside one epoch of a group.
//
// The epoch's encryption secret is the root of a secret tree with one leaf
// per member. Each leaf seeds a hash chain; the n-th message a member sends
// uses the n-th key of its chain. Parent secrets are deleted as soon as
// their children are derived, and chain keys as soon as the next one is,
// so keys are forward secure within the epoch.
//
// Each (sender, counter) key is used once. Late messages are served from a
// bounded set of skipped keys; a counter that was already consumed yields
// domain.ErrReplayDetected.
package ratchet
