// Package syncer reconciles local groups with the delivery service.
//
// Events are keyed by a hash of their bytes so a repeated delivery is a
// no-op. Each group has a bounded buffer for events that arrive ahead of
// its epoch; overflowing it stalls the group until Resync replays the
// group's history from the start.
package syncer
