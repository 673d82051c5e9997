package prekey

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
)

// DefaultLifetime is how long a key package stays valid after creation.
const DefaultLifetime = 30 * 24 * time.Hour

// Generator creates one-time pre-keys and signs the key packages that
// publish them.
type Generator struct {
	lifetime time.Duration
	now      func() time.Time
}

// NewGenerator returns a Generator. A non-positive lifetime selects
// DefaultLifetime; a nil clock selects time.Now.
func NewGenerator(lifetime time.Duration, now func() time.Time) *Generator {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{lifetime: lifetime, now: now}
}

// Now returns the generator's clock reading.
func (g *Generator) Now() time.Time { return g.now() }

// Generate creates n fresh pre-key pairs.
func (g *Generator) Generate(n int) ([]domain.PreKeyPair, error) {
	notAfter := g.now().Add(g.lifetime).Unix()
	pairs := make([]domain.PreKeyPair, 0, n)
	for range n {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, domain.PreKeyPair{
			ID:       domain.KeyPackageID("kp-" + uuid.NewString()),
			Private:  priv,
			Public:   pub,
			NotAfter: notAfter,
		})
	}
	return pairs, nil
}

// Bundle signs a key package for every pair under key.
func (g *Generator) Bundle(key domain.SigningKey, pairs []domain.PreKeyPair) (domain.PreKeyBundle, error) {
	b := domain.PreKeyBundle{
		Credential:  key.Cred,
		KeyPackages: make([]domain.KeyPackage, 0, len(pairs)),
	}
	for _, p := range pairs {
		kp := domain.KeyPackage{
			ID:         p.ID,
			Credential: key.Cred,
			InitKey:    p.Public,
			NotAfter:   p.NotAfter,
		}
		content, err := codec.KeyPackageContent(kp)
		if err != nil {
			return domain.PreKeyBundle{}, fmt.Errorf("key package %s: %w", p.ID, err)
		}
		if kp.Signature, err = key.Sign(content); err != nil {
			return domain.PreKeyBundle{}, err
		}
		b.KeyPackages = append(b.KeyPackages, kp)
	}
	return b, nil
}

// Live drops the pairs that have expired.
func (g *Generator) Live(pairs []domain.PreKeyPair) []domain.PreKeyPair {
	now := g.now().Unix()
	out := pairs[:0]
	for _, p := range pairs {
		if p.NotAfter > now {
			out = append(out, p)
		}
	}
	return out
}
