package prekey_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/group"
	"ciphergroup/internal/services/prekey"
)

func TestBundleVerifies(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	gen := prekey.NewGenerator(time.Hour, func() time.Time { return now })

	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	key := domain.SigningKey{Cred: domain.Credential{UserID: "alice", SigningKey: pub}, Private: priv}

	pairs, err := gen.Generate(3)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.NotEqual(t, pairs[0].ID, pairs[1].ID)

	b, err := gen.Bundle(key, pairs)
	require.NoError(t, err)
	require.Len(t, b.KeyPackages, 3)
	for i, kp := range b.KeyPackages {
		assert.Equal(t, pairs[i].ID, kp.ID)
		require.NoError(t, group.VerifyKeyPackage(kp, now))
	}

	tampered := b.KeyPackages[0]
	tampered.NotAfter++
	require.Error(t, group.VerifyKeyPackage(tampered, now))
	require.Error(t, group.VerifyKeyPackage(b.KeyPackages[0], now.Add(2*time.Hour)), "expired")
}

func TestLiveDropsExpiredPairs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	gen := prekey.NewGenerator(time.Hour, func() time.Time { return now })
	old, err := gen.Generate(2)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh, err := gen.Generate(1)
	require.NoError(t, err)

	live := gen.Live(append(old, fresh...))
	require.Len(t, live, 1)
	assert.Equal(t, fresh[0].ID, live[0].ID)
}
