package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"ciphergroup/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// Ed25519FromSeed rebuilds a key pair from a 32-byte seed.
func Ed25519FromSeed(seed []byte) (priv domain.Ed25519Private, pub domain.Ed25519Public, ok bool) {
	if len(seed) != ed25519.SeedSize {
		return priv, pub, false
	}
	sk := ed25519.NewKeyFromSeed(seed)
	copy(priv[:], sk)
	copy(pub[:], sk.Public().(ed25519.PublicKey))
	return priv, pub, true
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}
