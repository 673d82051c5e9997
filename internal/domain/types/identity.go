package types

import "crypto/ed25519"

// Credential binds a user id to its long-term signing key. It is the public
// face of a member inside a group.
type Credential struct {
	UserID     UserID        `json:"user_id"`
	SigningKey Ed25519Public `json:"signing_key"`
}

// Identity is the locally stored credential together with its private key.
type Identity struct {
	Credential     Credential     `json:"credential"`
	SigningPrivate Ed25519Private `json:"signing_priv"`
	CreatedUTC     int64          `json:"created_utc"`
}

// SigningKey is a detached copy of a user's signing key pair.
type SigningKey struct {
	Cred    Credential
	Private Ed25519Private
}

// Credential returns the public credential for the key.
func (k SigningKey) Credential() Credential { return k.Cred }

// Sign signs msg with the private key.
func (k SigningKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(k.Private[:]), msg), nil
}

// UserRecord is the persisted identity partition of one user.
type UserRecord struct {
	Identity Identity     `json:"identity"`
	PreKeys  []PreKeyPair `json:"pre_keys"`
}
