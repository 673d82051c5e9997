// Package identity manages each local user's credential and pool of
// one-time pre-keys.
//
// It generates the Ed25519 credential at registration, keeps a pool of
// X25519 pre-keys topped up, and hands out the private half of a pre-key
// exactly once, inside the store transaction that records the group it
// was used to join.
package identity
