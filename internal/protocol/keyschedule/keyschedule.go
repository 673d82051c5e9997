package keyschedule

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"ciphergroup/internal/util/memzero"
)

// SecretSize is the length of epoch, commit and derived secrets.
const SecretSize = 32

const labelPrefix = "ciphergroup "

// RandomSecret returns SecretSize fresh random bytes, used for the initial
// epoch secret and for commit secrets.
func RandomSecret() ([]byte, error) {
	s := make([]byte, SecretSize)
	if _, err := rand.Read(s); err != nil {
		return nil, err
	}
	return s, nil
}

// NextEpochSecret derives the secret of the next epoch.
//
// The current secret salts an HKDF extract over the commit secret; the
// result is expanded under the new epoch's group context. Without the
// commit secret the next epoch cannot be computed, and the next secret
// reveals nothing about the current one.
func NextEpochSecret(current, commitSecret, groupContext []byte) []byte {
	prk := hkdf.Extract(sha256.New, commitSecret, current)
	defer memzero.Zero(prk)
	return Expand(prk, "epoch", groupContext, SecretSize)
}

// EncryptionSecret is the root of the epoch's secret tree.
func EncryptionSecret(epochSecret []byte) []byte {
	return Expand(epochSecret, "encryption", nil, SecretSize)
}

// Authenticator is a public commitment to the epoch secret. Members holding
// the same epoch secret compute the same authenticator.
func Authenticator(epochSecret []byte) []byte {
	return Expand(epochSecret, "authenticator", nil, SecretSize)
}

// ConfirmationTag proves knowledge of the epoch secret over content.
func ConfirmationTag(epochSecret, content []byte) []byte {
	key := Expand(epochSecret, "confirm", nil, SecretSize)
	defer memzero.Zero(key)
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	return mac.Sum(nil)
}

// VerifyConfirmationTag checks tag in constant time.
func VerifyConfirmationTag(epochSecret, content, tag []byte) bool {
	return hmac.Equal(ConfirmationTag(epochSecret, content), tag)
}

// Expand runs HKDF-Expand(secret, "ciphergroup "+label || context) for n bytes.
func Expand(secret []byte, label string, context []byte, n int) []byte {
	info := make([]byte, 0, len(labelPrefix)+len(label)+len(context))
	info = append(info, labelPrefix...)
	info = append(info, label...)
	info = append(info, context...)

	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic("keyschedule: expand: " + err.Error())
	}
	return out
}
