package membership_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/group"
	"ciphergroup/internal/protocol/codec"
	"ciphergroup/internal/relay"
	"ciphergroup/internal/services/identity"
	"ciphergroup/internal/services/membership"
	"ciphergroup/internal/services/prekey"
	"ciphergroup/internal/store"
)

type client struct {
	user    domain.UserID
	store   *store.Store
	groups  *group.Registry
	relay   *relay.HTTP
	members *membership.Service
}

func newClient(t *testing.T, url string, user domain.UserID) *client {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	ids := identity.New(st, prekey.NewGenerator(time.Hour, nil), identity.WithPoolSize(4))
	rc := relay.NewHTTP(url, ids, relay.WithRetry(1, time.Millisecond))
	groups := group.NewRegistry(st)

	_, err := ids.CreateIdentity(ctx, user)
	require.NoError(t, err)
	bundle, err := ids.IssuePreKeyBundle(ctx, user)
	require.NoError(t, err)
	_, err = rc.PublishKeyPackages(ctx, bundle)
	require.NoError(t, err)

	return &client{
		user:    user,
		store:   st,
		groups:  groups,
		relay:   rc,
		members: membership.New(groups, ids, st, rc),
	}
}

func (c *client) join(t *testing.T) domain.Epoch {
	t.Helper()
	inbox, err := c.relay.FetchEvents(context.Background(), c.user, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, inbox.Welcomes)
	ev, err := codec.Decode(inbox.Welcomes[len(inbox.Welcomes)-1].Event)
	require.NoError(t, err)
	w, ok := ev.(*domain.Welcome)
	require.True(t, ok)
	ep, err := c.members.Join(context.Background(), c.user, w)
	require.NoError(t, err)
	return ep
}

func (c *client) commits(t *testing.T, id domain.GroupID) []*domain.Commit {
	t.Helper()
	inbox, err := c.relay.FetchEvents(context.Background(), c.user, map[domain.GroupID]uint64{id: 0}, 0)
	require.NoError(t, err)
	var out []*domain.Commit
	for _, d := range inbox.Groups[id] {
		ev, err := codec.Decode(d.Event)
		require.NoError(t, err)
		if cm, ok := ev.(*domain.Commit); ok {
			out = append(out, cm)
		}
	}
	return out
}

func names(ep domain.Epoch) []domain.UserID {
	var out []domain.UserID
	for _, m := range ep.Members {
		out = append(out, m.Credential.UserID)
	}
	return out
}

func TestAddAndJoin(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer().Router())
	t.Cleanup(srv.Close)
	alice := newClient(t, srv.URL, "alice")
	bob := newClient(t, srv.URL, "bob")

	_, err := alice.members.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)

	ok, err := alice.members.CanAdd(ctx, "alice", "bob", "g")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = alice.members.CanAdd(ctx, "alice", "nobody", "g")
	require.NoError(t, err)
	assert.False(t, ok)

	ep, err := alice.members.AddMember(ctx, "alice", "bob", "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ep.Number)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, names(ep))

	joined := bob.join(t)
	assert.Equal(t, ep.Number, joined.Number)
	assert.Equal(t, ep.Authenticator, joined.Authenticator)

	_, err = alice.members.AddMember(ctx, "alice", "bob", "g")
	require.ErrorIs(t, err, domain.ErrInvalidProposal)
	_, err = alice.members.RemoveMember(ctx, "alice", "alice", "g")
	require.ErrorIs(t, err, domain.ErrInvalidProposal)
	_, err = alice.members.RemoveMember(ctx, "alice", "carol", "g")
	require.ErrorIs(t, err, domain.ErrInvalidProposal)
}

func TestLosingCommitIsDiscarded(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer().Router())
	t.Cleanup(srv.Close)
	alice := newClient(t, srv.URL, "alice")
	bob := newClient(t, srv.URL, "bob")
	newClient(t, srv.URL, "carol")
	newClient(t, srv.URL, "dave")

	_, err := alice.members.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)
	_, err = alice.members.AddMember(ctx, "alice", "bob", "g")
	require.NoError(t, err)
	bob.join(t)

	_, err = alice.members.AddMember(ctx, "alice", "carol", "g")
	require.NoError(t, err)

	_, err = bob.members.AddMember(ctx, "bob", "dave", "g")
	require.ErrorIs(t, err, domain.ErrStaleEpoch)
	ep, err := bob.members.Epoch(ctx, "bob", "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ep.Number, "a rejected commit leaves the epoch alone")
	pending, err := bob.store.ListOutbox(ctx, "bob", "g")
	require.NoError(t, err)
	assert.Empty(t, pending)

	commits := bob.commits(t, "g")
	require.Len(t, commits, 2)
	raw, err := codec.Encode(commits[1])
	require.NoError(t, err)
	ep, err = bob.members.ApplyCommit(ctx, "bob", commits[1], raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ep.Number)
	assert.Equal(t, []domain.UserID{"alice", "bob", "carol"}, names(ep))

	ep, err = bob.members.AddMember(ctx, "bob", "dave", "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ep.Number)
}

func TestOutboxSurvivesRelayOutage(t *testing.T) {
	ctx := context.Background()
	inner := relay.NewServer().Router()
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() && r.URL.Path == relay.PathPublish {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	alice := newClient(t, srv.URL, "alice")
	bob := newClient(t, srv.URL, "bob")

	_, err := alice.members.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)

	down.Store(true)
	_, err = alice.members.AddMember(ctx, "alice", "bob", "g")
	require.ErrorIs(t, err, domain.ErrTransport)
	ep, err := alice.members.Epoch(ctx, "alice", "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ep.Number)
	pending, err := alice.store.ListOutbox(ctx, "alice", "g")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Published)

	down.Store(false)
	require.NoError(t, alice.members.FlushOutbox(ctx, "alice", "g"))
	ep, err = alice.members.Epoch(ctx, "alice", "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ep.Number)
	pending, err = alice.store.ListOutbox(ctx, "alice", "g")
	require.NoError(t, err)
	assert.Empty(t, pending)

	joined := bob.join(t)
	assert.Equal(t, ep.Authenticator, joined.Authenticator)
}

func TestSoleMemberLeaves(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer().Router())
	t.Cleanup(srv.Close)
	alice := newClient(t, srv.URL, "alice")

	_, err := alice.members.CreateGroup(ctx, "alice", "g")
	require.NoError(t, err)
	require.NoError(t, alice.members.LeaveGroup(ctx, "alice", "g"))

	m, err := alice.groups.For(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, m.Status("g"))

	// Still closed after a restart.
	fresh := group.NewRegistry(alice.store)
	m, err = fresh.For(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, m.Status("g"))
}
