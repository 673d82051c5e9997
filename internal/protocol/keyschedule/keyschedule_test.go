package keyschedule_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"ciphergroup/internal/protocol/keyschedule"
)

func TestNextEpochSecretDeterministic(t *testing.T) {
	cur := bytes.Repeat([]byte{1}, 32)
	commit := bytes.Repeat([]byte{2}, 32)
	ctx := []byte("context")

	a := keyschedule.NextEpochSecret(cur, commit, ctx)
	b := keyschedule.NextEpochSecret(cur, commit, ctx)
	require.Equal(t, a, b)
	require.Len(t, a, keyschedule.SecretSize)

	require.NotEqual(t, a, keyschedule.NextEpochSecret(cur, commit, []byte("other")))
	require.NotEqual(t, a, keyschedule.NextEpochSecret(cur, bytes.Repeat([]byte{3}, 32), ctx))
	require.NotEqual(t, a, keyschedule.NextEpochSecret(bytes.Repeat([]byte{4}, 32), commit, ctx))
}

func TestDerivedSecretsAreSeparated(t *testing.T) {
	epoch := bytes.Repeat([]byte{9}, 32)
	enc := keyschedule.EncryptionSecret(epoch)
	auth := keyschedule.Authenticator(epoch)
	require.NotEqual(t, enc, auth)
	require.NotEqual(t, epoch, enc)
}

func TestConfirmationTag(t *testing.T) {
	epoch := bytes.Repeat([]byte{5}, 32)
	tag := keyschedule.ConfirmationTag(epoch, []byte("content"))

	require.True(t, keyschedule.VerifyConfirmationTag(epoch, []byte("content"), tag))
	require.False(t, keyschedule.VerifyConfirmationTag(epoch, []byte("tampered"), tag))
	require.False(t, keyschedule.VerifyConfirmationTag(bytes.Repeat([]byte{6}, 32), []byte("content"), tag))
}

func TestRandomSecret(t *testing.T) {
	a, err := keyschedule.RandomSecret()
	require.NoError(t, err)
	b, err := keyschedule.RandomSecret()
	require.NoError(t, err)
	require.Len(t, a, keyschedule.SecretSize)
	require.NotEqual(t, a, b)
}
