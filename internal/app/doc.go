// Package app wires application dependencies for the CLI.
//
// It builds the store, delivery service client and services from Config,
// exposes them through Wire, and puts the user-facing operations behind
// App. Membership changes that lose a commit race are retried once after
// a sync.
package app
