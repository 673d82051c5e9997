// Package keyschedule derives per-epoch secrets for a group.
//
// # Overview
//
// Every epoch of a group has a 32-byte epoch secret. A commit draws a fresh
// commit secret and the next epoch secret is
//
//	HKDF-Expand(HKDF-Extract(salt=current, ikm=commit), "epoch" || context)
//
// where context encodes the group id, the new epoch number and the new
// membership list. From each epoch secret the package derives:
//   - the encryption secret, root of the secret tree (package ratchet)
//   - the confirmation key, used to tag commits and welcomes
//   - the authenticator, a public value members can compare
//
// # Security notes
//
// Derivation only runs forward. Holding epoch n's secret gives no way to
// compute epoch n-1's secret or any key derived from it. A member that does
// not receive the commit secret cannot compute the next epoch.
package keyschedule
