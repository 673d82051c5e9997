// Package store persists client state in a go-datastore.
//
// Store maps the domain partitions (identity, groups with their retained
// epochs, the commit outbox and small metadata values) onto datastore keys
// and writes each Update as one batch. The default backend is a sqlite file
// wrapped by Sealed, which encrypts every value under a passphrase-derived
// key; tests use the in-memory datastore.
package store
