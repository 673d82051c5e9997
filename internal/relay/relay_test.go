package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
	"ciphergroup/internal/relay"
)

type keyring map[domain.UserID]domain.SigningKey

func (k keyring) SigningKeyFor(_ context.Context, user domain.UserID) (domain.SigningKey, error) {
	key, ok := k[user]
	if !ok {
		return domain.SigningKey{}, domain.ErrNotFound
	}
	return key, nil
}

func (k keyring) add(t *testing.T, user domain.UserID) domain.SigningKey {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	key := domain.SigningKey{
		Cred:    domain.Credential{UserID: user, SigningKey: pub},
		Private: priv,
	}
	k[user] = key
	return key
}

func bundle(t *testing.T, key domain.SigningKey, ids ...string) domain.PreKeyBundle {
	t.Helper()
	b := domain.PreKeyBundle{Credential: key.Cred}
	for _, id := range ids {
		_, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		kp := domain.KeyPackage{
			ID:         domain.KeyPackageID(id),
			Credential: key.Cred,
			InitKey:    pub,
			NotAfter:   time.Now().Add(time.Hour).Unix(),
		}
		content, err := codec.KeyPackageContent(kp)
		require.NoError(t, err)
		kp.Signature, err = key.Sign(content)
		require.NoError(t, err)
		b.KeyPackages = append(b.KeyPackages, kp)
	}
	return b
}

func setup(t *testing.T) (*relay.HTTP, keyring) {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer().Router())
	t.Cleanup(srv.Close)
	keys := keyring{}
	return relay.NewHTTP(srv.URL, keys, relay.WithRetry(3, time.Millisecond)), keys
}

func TestReservationKeepsLastKeyPackage(t *testing.T) {
	ctx := context.Background()
	c, keys := setup(t)
	alice := keys.add(t, "alice")
	bob := keys.add(t, "bob")

	_, err := c.PublishKeyPackages(ctx, bundle(t, alice, "kp-1", "kp-2"))
	require.NoError(t, err)
	_, err = c.PublishKeyPackages(ctx, bundle(t, bob, "kp-b"))
	require.NoError(t, err)

	kp, err := c.FetchKeyPackage(ctx, "bob", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyPackageID("kp-1"), kp.ID)

	for range 3 {
		kp, err = c.FetchKeyPackage(ctx, "bob", "alice", true)
		require.NoError(t, err)
		assert.Equal(t, domain.KeyPackageID("kp-2"), kp.ID)
	}

	_, err = c.FetchKeyPackage(ctx, "bob", "carol", false)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCredentialIsPinnedOnFirstUse(t *testing.T) {
	ctx := context.Background()
	c, keys := setup(t)
	first := keys.add(t, "alice")
	_, err := c.PublishKeyPackages(ctx, bundle(t, first, "kp-1"))
	require.NoError(t, err)

	second := keys.add(t, "alice")
	_, err = c.PublishKeyPackages(ctx, bundle(t, second, "kp-2"))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestUnregisteredUserIsRejected(t *testing.T) {
	c, keys := setup(t)
	keys.add(t, "mallory")

	_, err := c.CreateGroup(context.Background(), "mallory", "g")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSecondCommitForEpochConflicts(t *testing.T) {
	ctx := context.Background()
	c, keys := setup(t)
	alice := keys.add(t, "alice")
	_, err := c.PublishKeyPackages(ctx, bundle(t, alice, "kp-1"))
	require.NoError(t, err)
	_, err = c.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)

	first, err := codec.Encode(&domain.Commit{GroupID: "g", Epoch: 0, Signature: []byte{1}})
	require.NoError(t, err)
	second, err := codec.Encode(&domain.Commit{GroupID: "g", Epoch: 0, Signature: []byte{2}})
	require.NoError(t, err)

	cursor, err := c.Publish(ctx, "alice", "g", "", first)
	require.NoError(t, err)

	again, err := c.Publish(ctx, "alice", "g", "", first)
	require.NoError(t, err, "republishing the accepted commit is idempotent")
	assert.Equal(t, cursor, again)

	_, err = c.Publish(ctx, "alice", "g", "", second)
	require.ErrorIs(t, err, domain.ErrStaleEpoch)
	assert.True(t, domain.IsConflict(err))

	proposal, err := codec.Encode(&domain.Proposal{GroupID: "g", Epoch: 0, Change: domain.RemoveMember{Index: 1}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "alice", "g", "", proposal)
	require.ErrorIs(t, err, domain.ErrStaleEpoch)

	inbox, err := c.FetchEvents(ctx, "alice", map[domain.GroupID]uint64{"g": 0}, 0)
	require.NoError(t, err)
	require.Len(t, inbox.Groups["g"], 1)
	assert.Equal(t, first, inbox.Groups["g"][0].Event)
}

func TestOnlyMembersMayPublish(t *testing.T) {
	ctx := context.Background()
	c, keys := setup(t)
	alice := keys.add(t, "alice")
	bob := keys.add(t, "bob")
	mallory := keys.add(t, "mallory")
	for _, k := range []domain.SigningKey{alice, bob, mallory} {
		_, err := c.PublishKeyPackages(ctx, bundle(t, k, "kp-"+string(k.Cred.UserID)))
		require.NoError(t, err)
	}
	_, err := c.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)

	hijack, err := codec.Encode(&domain.Commit{GroupID: "g", Epoch: 0, Committer: 0, Signature: []byte{9}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "mallory", "g", "", hijack)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = c.Publish(ctx, "bob", "g", "", hijack)
	require.ErrorIs(t, err, domain.ErrUnauthorized, "an uninvited user cannot publish either")

	commit, err := codec.Encode(&domain.Commit{GroupID: "g", Epoch: 0, Signature: []byte{1}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "alice", "g", "", commit)
	require.NoError(t, err, "the epoch slot is still free for a member")

	w, err := codec.Encode(&domain.Welcome{GroupID: "g", Epoch: 1, Recipient: "bob", KeyPackageID: "kp-bob", Sealed: []byte{1}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "mallory", "g", "mallory", w)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = c.Publish(ctx, "alice", "g", "bob", w)
	require.NoError(t, err)

	next, err := codec.Encode(&domain.Commit{GroupID: "g", Epoch: 1, Committer: 1, Signature: []byte{2}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "bob", "g", "", next)
	require.NoError(t, err, "a welcomed user may publish")
}

func TestWelcomesAreQueuedPerRecipient(t *testing.T) {
	ctx := context.Background()
	c, keys := setup(t)
	alice := keys.add(t, "alice")
	bob := keys.add(t, "bob")
	for _, k := range []domain.SigningKey{alice, bob} {
		_, err := c.PublishKeyPackages(ctx, bundle(t, k, "kp-"+string(k.Cred.UserID)))
		require.NoError(t, err)
	}
	_, err := c.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)

	w, err := codec.Encode(&domain.Welcome{GroupID: "g", Epoch: 1, Recipient: "bob", KeyPackageID: "kp-bob", Sealed: []byte{1}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "alice", "g", "bob", w)
	require.NoError(t, err)

	inbox, err := c.FetchEvents(ctx, "bob", nil, 0)
	require.NoError(t, err)
	require.Len(t, inbox.Welcomes, 1)
	assert.Equal(t, uint64(1), inbox.WelcomeCursor)

	inbox, err = c.FetchEvents(ctx, "bob", nil, inbox.WelcomeCursor)
	require.NoError(t, err)
	assert.Empty(t, inbox.Welcomes)

	inbox, err = c.FetchEvents(ctx, "alice", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, inbox.Welcomes)
}

func TestServerErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	inner := relay.NewServer().Router()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	keys := keyring{}
	alice := keys.add(t, "alice")
	c := relay.NewHTTP(srv.URL, keys, relay.WithRetry(3, time.Millisecond))

	_, err := c.PublishKeyPackages(ctx, bundle(t, alice, "kp-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesGiveUpWithTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	keys := keyring{}
	alice := keys.add(t, "alice")
	c := relay.NewHTTP(srv.URL, keys, relay.WithRetry(2, time.Millisecond))

	_, err := c.PublishKeyPackages(context.Background(), bundle(t, alice, "kp-1"))
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}
