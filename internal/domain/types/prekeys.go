package types

// PreKeyPair is a one-time pre-key stored locally. Its public half is
// published inside a KeyPackage and becomes the member's leaf key once a
// committer adds the user to a group.
type PreKeyPair struct {
	ID       KeyPackageID  `json:"id"`
	Private  X25519Private `json:"priv"`
	Public   X25519Public  `json:"pub"`
	NotAfter int64         `json:"not_after"`
}

// KeyPackage is the signed public half of a pre-key.
type KeyPackage struct {
	ID         KeyPackageID `json:"id"`
	Credential Credential   `json:"credential"`
	InitKey    X25519Public `json:"init_key"`
	NotAfter   int64        `json:"not_after"`
	Signature  []byte       `json:"signature"`
}

// Expired reports whether the package is no longer usable at unix time now.
func (kp KeyPackage) Expired(now int64) bool { return kp.NotAfter <= now }

// PreKeyBundle is the set of key packages a user publishes to the directory.
type PreKeyBundle struct {
	Credential  Credential   `json:"credential"`
	KeyPackages []KeyPackage `json:"key_packages"`
}
