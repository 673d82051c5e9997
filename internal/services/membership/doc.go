// Package membership creates groups and runs their membership changes on
// behalf of local users.
//
// Every transition is persisted before anything depending on it leaves the
// process: a staged commit is written to the outbox before it is
// published, and the merged epoch is stored before its welcomes go out.
// When the delivery service reports that another commit won the epoch, the
// staged commit is thrown away and domain.ErrStaleEpoch returned so the
// caller can resync and retry.
package membership
