// Package prekey creates one-time pre-keys and the signed key packages that
// let other users add us to a group.
//
// A key package binds an X25519 init key to the owner's credential and an
// expiry, signed with the owner's Ed25519 key. The private half stays with
// the identity service until a welcome consumes it.
package prekey
