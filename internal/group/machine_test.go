package group_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/group"
	"ciphergroup/internal/protocol/codec"
)

const gid = domain.GroupID("g1")

var now = time.Unix(1_700_000_000, 0)

type user struct {
	key      domain.SigningKey
	m        *group.Machine
	initPriv domain.X25519Private
	kp       domain.KeyPackage
}

func newUser(t *testing.T, id domain.UserID) *user {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	u := &user{
		key: domain.SigningKey{Cred: domain.Credential{UserID: id, SigningKey: pub}, Private: priv},
		m:   group.NewMachine(group.WithClock(func() time.Time { return now })),
	}
	u.kp, u.initPriv = u.keyPackage(t, now.Add(time.Hour))
	return u
}

func (u *user) keyPackage(t *testing.T, notAfter time.Time) (domain.KeyPackage, domain.X25519Private) {
	t.Helper()
	initPriv, initPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	kp := domain.KeyPackage{
		ID:         domain.KeyPackageID(string(u.key.Cred.UserID) + "-kp"),
		Credential: u.key.Cred,
		InitKey:    initPub,
		NotAfter:   notAfter.Unix(),
	}
	content, err := codec.KeyPackageContent(kp)
	require.NoError(t, err)
	kp.Signature, err = u.key.Sign(content)
	require.NoError(t, err)
	return kp, initPriv
}

func (u *user) epoch(t *testing.T) domain.Epoch {
	t.Helper()
	ep, err := u.m.Epoch(gid)
	require.NoError(t, err)
	return ep
}

// add commits an Add of joiner on committer and delivers the result to
// joiner and every user in others.
func add(t *testing.T, committer, joiner *user, others ...*user) {
	t.Helper()
	base := committer.epoch(t).Number
	_, st, err := committer.m.Commit(committer.key, gid, base, []domain.ProposalKind{domain.AddMember{KeyPackage: joiner.kp}})
	require.NoError(t, err)
	require.Len(t, st.Welcomes, 1)

	for _, o := range others {
		_, err := o.m.ApplyCommit(gid, st.Commit)
		require.NoError(t, err)
	}
	_, err = joiner.m.ApplyWelcome(joiner.key, st.Welcomes[0], joiner.initPriv)
	require.NoError(t, err)
}

func send(t *testing.T, from *user, msg string) *domain.ApplicationMessage {
	t.Helper()
	am, err := from.m.Encrypt(gid, []byte(msg))
	require.NoError(t, err)
	return am
}

func TestCreateGroup(t *testing.T) {
	alice := newUser(t, "alice")
	ep, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ep.Number)
	assert.True(t, ep.HasMember("alice"))
	assert.Len(t, ep.Authenticator, 32)
	assert.Equal(t, domain.StatusActive, alice.m.Status(gid))

	_, err = alice.m.Create(alice.key, gid)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = alice.m.Create(alice.key, "")
	require.ErrorIs(t, err, domain.ErrInvalidProposal)

	assert.Equal(t, domain.StatusUnknown, alice.m.Status("nope"))
	_, err = alice.m.Epoch("nope")
	require.ErrorIs(t, err, domain.ErrUnknownGroup)
}

func TestAddMemberAndExchange(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)

	add(t, alice, bob)

	a, b := alice.epoch(t), bob.epoch(t)
	assert.Equal(t, uint64(1), a.Number)
	assert.Equal(t, a.Members, b.Members)
	assert.Equal(t, a.Authenticator, b.Authenticator)

	am := send(t, alice, "hi")
	pt, err := bob.m.Decrypt(gid, am, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))

	_, err = bob.m.Decrypt(gid, am, "alice")
	require.ErrorIs(t, err, domain.ErrReplayDetected)

	reply := send(t, bob, "hello back")
	pt, err = alice.m.Decrypt(gid, reply, "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello back", string(pt))
}

func TestThreeMembersConverge(t *testing.T) {
	alice, bob, carol := newUser(t, "alice"), newUser(t, "bob"), newUser(t, "carol")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)
	add(t, alice, carol, bob)

	a, b, c := alice.epoch(t), bob.epoch(t), carol.epoch(t)
	require.Equal(t, uint64(2), a.Number)
	assert.Equal(t, a.Authenticator, b.Authenticator)
	assert.Equal(t, a.Authenticator, c.Authenticator)
	assert.Equal(t, a.Members, c.Members)

	am := send(t, carol, "from carol")
	for _, u := range []*user{alice, bob} {
		pt, err := u.m.Decrypt(gid, am, "carol")
		require.NoError(t, err)
		assert.Equal(t, "from carol", string(pt))
	}
}

func TestRemovedMemberCannotRead(t *testing.T) {
	alice, bob, carol := newUser(t, "alice"), newUser(t, "bob"), newUser(t, "carol")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)
	add(t, alice, carol, bob)

	_, st, err := alice.m.Commit(alice.key, gid, 2, []domain.ProposalKind{domain.RemoveMember{Index: 1}})
	require.NoError(t, err)
	assert.Empty(t, st.Welcomes)

	ep, err := carol.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ep.Number)
	assert.False(t, ep.HasMember("bob"))
	assert.Equal(t, uint32(1), ep.Members[1].Index)

	ep, err = bob.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)
	assert.False(t, ep.HasMember("bob"))
	assert.Equal(t, domain.StatusClosed, bob.m.Status(gid))

	am := send(t, alice, "secret")
	pt, err := carol.m.Decrypt(gid, am, "alice")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(pt))

	_, err = bob.m.Decrypt(gid, am, "alice")
	require.ErrorIs(t, err, domain.ErrAuthFailure)

	_, err = bob.m.Encrypt(gid, []byte("x"))
	require.ErrorIs(t, err, domain.ErrGroupClosed)
}

func TestConcurrentCommitsLoserResyncs(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)

	carol, dave := newUser(t, "carol"), newUser(t, "dave")
	fromAlice, err := alice.m.Stage(alice.key, gid, 1, []domain.ProposalKind{domain.AddMember{KeyPackage: carol.kp}})
	require.NoError(t, err)
	fromBob, err := bob.m.Stage(bob.key, gid, 1, []domain.ProposalKind{domain.AddMember{KeyPackage: dave.kp}})
	require.NoError(t, err)

	// The delivery service accepts alice's commit first.
	_, err = alice.m.Merge(gid, fromAlice.StagedCommit)
	require.NoError(t, err)
	_, err = bob.m.ApplyCommit(gid, fromAlice.Commit)
	require.NoError(t, err)

	_, err = bob.m.Merge(gid, fromBob.StagedCommit)
	require.ErrorIs(t, err, domain.ErrStaleEpoch)
	assert.True(t, domain.IsConflict(err))

	_, err = alice.m.ApplyCommit(gid, fromBob.Commit)
	require.ErrorIs(t, err, domain.ErrEpochMismatch)

	assert.Equal(t, alice.epoch(t).Authenticator, bob.epoch(t).Authenticator)

	// Retry on the new base.
	_, st, err := bob.m.Commit(bob.key, gid, 2, []domain.ProposalKind{domain.AddMember{KeyPackage: dave.kp}})
	require.NoError(t, err)
	_, err = alice.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)
	assert.Equal(t, alice.epoch(t).Authenticator, bob.epoch(t).Authenticator)
	assert.Len(t, alice.epoch(t).Members, 4)
}

func TestTamperedCommitLeavesStateUntouched(t *testing.T) {
	alice, bob, carol := newUser(t, "alice"), newUser(t, "bob"), newUser(t, "carol")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)
	before := bob.epoch(t)

	_, st, err := alice.m.Commit(alice.key, gid, 1, []domain.ProposalKind{domain.AddMember{KeyPackage: carol.kp}})
	require.NoError(t, err)

	forged := *st.Commit
	forged.ConfirmationTag = append([]byte(nil), st.Commit.ConfirmationTag...)
	forged.ConfirmationTag[0] ^= 1
	_, err = bob.m.ApplyCommit(gid, &forged)
	require.ErrorIs(t, err, domain.ErrAuthFailure)

	forged = *st.Commit
	forged.Proposals = nil
	_, err = bob.m.ApplyCommit(gid, &forged)
	require.ErrorIs(t, err, domain.ErrAuthFailure)

	assert.Equal(t, before, bob.epoch(t))

	_, err = bob.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)
}

func TestCommitRejectsInvalidProposals(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)

	expired, _ := bob.keyPackage(t, now.Add(-time.Minute))
	forged := bob.kp
	forged.NotAfter++

	cases := map[string][]domain.ProposalKind{
		"expired key package": {domain.AddMember{KeyPackage: expired}},
		"bad signature":       {domain.AddMember{KeyPackage: forged}},
		"existing member":     {domain.AddMember{KeyPackage: mustKP(t, alice)}},
		"index out of range":  {domain.RemoveMember{Index: 4}},
		"self removal":        {domain.RemoveMember{Index: 0}},
		"duplicate add":       {domain.AddMember{KeyPackage: bob.kp}, domain.AddMember{KeyPackage: bob.kp}},
	}
	for name, props := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := alice.m.Commit(alice.key, gid, 0, props)
			require.ErrorIs(t, err, domain.ErrInvalidProposal)
			assert.Equal(t, uint64(0), alice.epoch(t).Number)
		})
	}

	_, _, err = alice.m.Commit(alice.key, gid, 7, nil)
	require.ErrorIs(t, err, domain.ErrStaleEpoch)

	_, _, err = alice.m.Commit(bob.key, gid, 0, nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func mustKP(t *testing.T, u *user) domain.KeyPackage {
	kp, _ := u.keyPackage(t, now.Add(time.Hour))
	return kp
}

func TestWelcomeFailures(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	_, st, err := alice.m.Commit(alice.key, gid, 0, []domain.ProposalKind{domain.AddMember{KeyPackage: bob.kp}})
	require.NoError(t, err)
	w := st.Welcomes[0]

	wrongPriv, _, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, err = bob.m.ApplyWelcome(bob.key, w, wrongPriv)
	require.ErrorIs(t, err, domain.ErrInvalidWelcome)
	assert.False(t, bob.m.IsGroup(gid))

	mallory := newUser(t, "mallory")
	_, err = mallory.m.ApplyWelcome(mallory.key, w, bob.initPriv)
	require.ErrorIs(t, err, domain.ErrInvalidWelcome)

	tampered := *w
	tampered.KeyPackageID = "other"
	_, err = bob.m.ApplyWelcome(bob.key, &tampered, bob.initPriv)
	require.ErrorIs(t, err, domain.ErrInvalidWelcome)

	_, err = bob.m.ApplyWelcome(bob.key, w, bob.initPriv)
	require.NoError(t, err)
	_, err = bob.m.ApplyWelcome(bob.key, w, bob.initPriv)
	require.ErrorIs(t, err, domain.ErrInvalidWelcome)
}

func TestLateMessageFromRetainedEpoch(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)

	late := send(t, bob, "sent at epoch 1")

	_, st, err := alice.m.Commit(alice.key, gid, 1, []domain.ProposalKind{})
	require.NoError(t, err)
	_, err = bob.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)
	require.Equal(t, uint64(2), alice.epoch(t).Number)

	pt, err := alice.m.Decrypt(gid, late, "bob")
	require.NoError(t, err)
	assert.Equal(t, "sent at epoch 1", string(pt))

	_, err = alice.m.Decrypt(gid, late, "alice")
	require.ErrorIs(t, err, domain.ErrAuthFailure)
}

func TestEvictedEpochFails(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	alice.m = group.NewMachine(group.WithRetention(0), group.WithClock(func() time.Time { return now }))
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)

	late := send(t, bob, "old")
	_, st, err := alice.m.Commit(alice.key, gid, 1, []domain.ProposalKind{})
	require.NoError(t, err)
	_, err = bob.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)

	_, err = alice.m.Decrypt(gid, late, "bob")
	require.ErrorIs(t, err, domain.ErrAuthFailure)
}

func TestFarCounterFailsFast(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)
	cur := bob.epoch(t).Number

	for _, e := range []uint64{cur + 5, cur} {
		msg := &domain.ApplicationMessage{
			GroupID:    gid,
			Epoch:      e,
			Sender:     0,
			Counter:    math.MaxUint32,
			Ciphertext: make([]byte, 64),
		}
		start := time.Now()
		_, err = bob.m.Decrypt(gid, msg, "alice")
		require.ErrorIs(t, err, domain.ErrAuthFailure)
		assert.Less(t, time.Since(start), time.Second)
	}

	pt, err := bob.m.Decrypt(gid, send(t, alice, "still in step"), "alice")
	require.NoError(t, err)
	assert.Equal(t, "still in step", string(pt))
}

func TestLeaveThroughProposal(t *testing.T) {
	alice, bob, carol := newUser(t, "alice"), newUser(t, "bob"), newUser(t, "carol")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)
	add(t, alice, carol, bob)

	p, err := bob.m.Propose(bob.key, gid, domain.RemoveMember{Index: 1})
	require.NoError(t, err)
	require.NoError(t, bob.m.Close(gid))

	require.NoError(t, alice.m.ReceiveProposal(gid, p))
	require.NoError(t, alice.m.ReceiveProposal(gid, p))
	require.NoError(t, carol.m.ReceiveProposal(gid, p))

	assert.True(t, alice.m.ShouldCommitPending(gid))
	assert.False(t, carol.m.ShouldCommitPending(gid))

	_, st, err := alice.m.Commit(alice.key, gid, 2, nil)
	require.NoError(t, err)
	ep, err := carol.m.ApplyCommit(gid, st.Commit)
	require.NoError(t, err)
	assert.Len(t, ep.Members, 2)
	assert.Equal(t, alice.epoch(t).Authenticator, ep.Authenticator)

	pending, err := alice.m.Pending(gid)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReceiveProposalRejectsForgery(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)

	p, err := bob.m.Propose(bob.key, gid, domain.RemoveMember{Index: 1})
	require.NoError(t, err)

	forged := *p
	forged.Change = domain.RemoveMember{Index: 0}
	require.ErrorIs(t, alice.m.ReceiveProposal(gid, &forged), domain.ErrAuthFailure)

	stale := *p
	stale.Epoch = 0
	require.ErrorIs(t, alice.m.ReceiveProposal(gid, &stale), domain.ErrEpochMismatch)
}

func TestCanAdd(t *testing.T) {
	alice, bob, carol := newUser(t, "alice"), newUser(t, "bob"), newUser(t, "carol")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)

	bundle := &domain.PreKeyBundle{Credential: bob.key.Cred, KeyPackages: []domain.KeyPackage{bob.kp}}
	assert.True(t, alice.m.CanAdd("alice", "bob", gid, bundle, now))
	assert.False(t, alice.m.CanAdd("alice", "bob", gid, bundle, now.Add(2*time.Hour)))
	assert.False(t, alice.m.CanAdd("alice", "bob", gid, nil, now))
	assert.False(t, alice.m.CanAdd("carol", "bob", gid, bundle, now))
	assert.False(t, alice.m.CanAdd("alice", "bob", "other", bundle, now))

	wrong := &domain.PreKeyBundle{Credential: carol.key.Cred, KeyPackages: []domain.KeyPackage{bob.kp}}
	assert.False(t, alice.m.CanAdd("alice", "carol", gid, wrong, now))

	add(t, alice, bob)
	assert.False(t, alice.m.CanAdd("alice", "bob", gid, bundle, now))
}

func TestSnapshotRestore(t *testing.T) {
	alice, bob := newUser(t, "alice"), newUser(t, "bob")
	_, err := alice.m.Create(alice.key, gid)
	require.NoError(t, err)
	add(t, alice, bob)

	first := send(t, alice, "one")
	_, err = bob.m.Decrypt(gid, first, "alice")
	require.NoError(t, err)

	snap, err := bob.m.Snapshot(gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Head.Epoch)
	assert.Empty(t, snap.Head.Retained)

	restored := group.NewMachine()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, bob.epoch(t), mustEpoch(t, restored))

	_, err = restored.Decrypt(gid, first, "alice")
	require.ErrorIs(t, err, domain.ErrReplayDetected)

	second := send(t, alice, "two")
	pt, err := restored.Decrypt(gid, second, "alice")
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))

	assert.Equal(t, []domain.GroupID{gid}, restored.Groups())
	restored.Delete(gid)
	assert.False(t, restored.IsGroup(gid))
}

func mustEpoch(t *testing.T, m *group.Machine) domain.Epoch {
	ep, err := m.Epoch(gid)
	require.NoError(t, err)
	return ep
}
