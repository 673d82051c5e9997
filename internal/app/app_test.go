package app_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciphergroup/internal/app"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/relay"
)

func newApp(t *testing.T, baseURL string, user domain.UserID) *app.App {
	t.Helper()
	w, err := app.NewWire(context.Background(), app.Config{
		BaseURL:        baseURL,
		LogOutput:      io.Discard,
		MaxBuffered:    64,
		EpochRetention: 2,
		PreKeyPool:     5,
		PreKeyLifetime: time.Hour,
		RetryAttempts:  2,
		RequestTimeout: 5 * time.Second,
		SyncParallel:   2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	a := app.New(w)
	require.NoError(t, a.InitUser(context.Background(), user))
	require.NoError(t, a.InitUser(context.Background(), user), "init is idempotent")
	_, err = a.RegisterUser(context.Background(), user)
	require.NoError(t, err)
	return a
}

func members(t *testing.T, a *app.App, user domain.UserID, id domain.GroupID) (uint64, []domain.UserID) {
	t.Helper()
	ep, err := a.Epoch(context.Background(), user, id)
	require.NoError(t, err)
	var out []domain.UserID
	for _, m := range ep.Members {
		out = append(out, m.Credential.UserID)
	}
	return ep.Number, out
}

func authenticator(t *testing.T, a *app.App, user domain.UserID, id domain.GroupID) []byte {
	t.Helper()
	ep, err := a.Epoch(context.Background(), user, id)
	require.NoError(t, err)
	return ep.Authenticator
}

func TestGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer().Router())
	t.Cleanup(srv.Close)

	alice := newApp(t, srv.URL, "alice")
	bob := newApp(t, srv.URL, "bob")
	carol := newApp(t, srv.URL, "carol")
	dave := newApp(t, srv.URL, "dave")

	const team domain.GroupID = "team"
	id, err := alice.CreateGroup(ctx, "alice", team)
	require.NoError(t, err)
	require.Equal(t, team, id)

	ok, err := alice.IsGroup(ctx, "alice", team)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = alice.CanAddMember(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = alice.CanAddToGroup(ctx, "alice", "bob", team)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = alice.CanAddMember(ctx, "alice", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	// bob joins through the welcome.
	require.NoError(t, alice.AddMember(ctx, "alice", "bob", team))
	require.NoError(t, bob.SyncState(ctx, "bob", nil))
	ok, err = bob.IsGroup(ctx, "bob", team)
	require.NoError(t, err)
	require.True(t, ok)
	n, who := members(t, bob, "bob", team)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, who)
	assert.Equal(t, authenticator(t, alice, "alice", team), authenticator(t, bob, "bob", team))

	ct, err := alice.Encrypt(ctx, "alice", "hello bob", team)
	require.NoError(t, err)
	pt, err := bob.Decrypt(ctx, "bob", ct, "alice", team)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", pt)
	pt, err = alice.Decrypt(ctx, "alice", ct, "alice", team)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", pt, "sender reads its own message from the sent cache")
	_, err = bob.Decrypt(ctx, "bob", ct, "alice", team)
	require.ErrorIs(t, err, domain.ErrReplayDetected)

	// bob adds carol; alice catches up through sync.
	require.NoError(t, bob.AddMember(ctx, "bob", "carol", team))
	require.NoError(t, alice.SyncState(ctx, "alice", nil))
	require.NoError(t, carol.SyncState(ctx, "carol", nil))
	for _, c := range []struct {
		a    *app.App
		user domain.UserID
	}{{alice, "alice"}, {bob, "bob"}, {carol, "carol"}} {
		n, who := members(t, c.a, c.user, team)
		assert.Equal(t, uint64(2), n, c.user)
		assert.Equal(t, []domain.UserID{"alice", "bob", "carol"}, who, c.user)
	}

	ct, err = carol.Encrypt(ctx, "carol", "hi all", team)
	require.NoError(t, err)
	for _, c := range []struct {
		a    *app.App
		user domain.UserID
	}{{alice, "alice"}, {bob, "bob"}} {
		pt, err := c.a.Decrypt(ctx, c.user, ct, "carol", team)
		require.NoError(t, err)
		assert.Equal(t, "hi all", pt)
	}

	// alice removes carol while bob, still on epoch 2, adds dave. bob's
	// commit loses, he syncs and retries on epoch 3.
	require.NoError(t, alice.RemoveMember(ctx, "alice", "carol", team))
	require.NoError(t, bob.AddMember(ctx, "bob", "dave", team))
	require.NoError(t, alice.SyncState(ctx, "alice", nil))
	require.NoError(t, dave.SyncState(ctx, "dave", nil))
	for _, c := range []struct {
		a    *app.App
		user domain.UserID
	}{{alice, "alice"}, {bob, "bob"}, {dave, "dave"}} {
		n, who := members(t, c.a, c.user, team)
		assert.Equal(t, uint64(4), n, c.user)
		assert.Equal(t, []domain.UserID{"alice", "bob", "dave"}, who, c.user)
	}
	assert.Equal(t, authenticator(t, alice, "alice", team), authenticator(t, dave, "dave", team))

	// carol learns she was removed.
	require.NoError(t, carol.SyncState(ctx, "carol", nil))
	assert.Equal(t, domain.StatusClosed, carol.Status("carol", team))
	_, err = carol.Encrypt(ctx, "carol", "anyone?", team)
	require.ErrorIs(t, err, domain.ErrGroupClosed)

	// dave leaves; alice, the lowest remaining index, commits his removal.
	require.NoError(t, dave.LeaveGroup(ctx, "dave", team))
	assert.Equal(t, domain.StatusClosed, dave.Status("dave", team))
	require.NoError(t, alice.SyncState(ctx, "alice", nil))
	require.NoError(t, bob.SyncState(ctx, "bob", nil))
	for _, c := range []struct {
		a    *app.App
		user domain.UserID
	}{{alice, "alice"}, {bob, "bob"}} {
		n, who := members(t, c.a, c.user, team)
		assert.Equal(t, uint64(5), n, c.user)
		assert.Equal(t, []domain.UserID{"alice", "bob"}, who, c.user)
		assert.Equal(t, domain.StatusActive, c.a.Status(c.user, team))
	}

	ct, err = alice.Encrypt(ctx, "alice", "just us", team)
	require.NoError(t, err)
	pt, err = bob.Decrypt(ctx, "bob", ct, "alice", team)
	require.NoError(t, err)
	assert.Equal(t, "just us", pt)
}

func TestCreateGroupTwice(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer().Router())
	t.Cleanup(srv.Close)
	alice := newApp(t, srv.URL, "alice")

	id, err := alice.CreateGroup(ctx, "alice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = alice.CreateGroup(ctx, "alice", id)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}
