// Package crypto exposes the minimal primitives used by ciphergroup.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     Ed25519FromSeed, SignEd25519, VerifyEd25519)
//   - Sealed boxes to an X25519 public key (Seal, Open), used for commit
//     secrets and welcomes
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Key types are fixed-size arrays defined in internal/domain. Callers should
// treat returned secrets as sensitive and wipe them with memzero.Zero when
// practical.
package crypto
