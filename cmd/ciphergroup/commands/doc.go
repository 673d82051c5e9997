// Package commands defines the ciphergroup CLI.
//
// Commands
//
//   - init          Create the local identity of --user
//   - fingerprint   Print the identity fingerprint
//   - register      Publish the credential and key packages
//   - create-group  Create a group
//   - is-group      Report whether a group is known locally
//   - can-add       Check that a candidate has a usable key package
//   - add, remove   Change group membership
//   - leave         Leave a group
//   - sync, resync  Fetch and apply group events
//   - handle        Apply one event
//   - status        Print a group's epoch and sync state
//   - encrypt       Encrypt a group message
//   - decrypt       Decrypt a group message
//
// Configuration comes from CIPHERGROUP_* variables (or a .env file) and is
// overridden by the persistent flags. The root command builds the store,
// services and relay client before any subcommand runs.
package commands
