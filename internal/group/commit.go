package group

import (
	"fmt"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
	"ciphergroup/internal/protocol/keyschedule"
	"ciphergroup/internal/util/memzero"
)

var commitSecretInfo = []byte("ciphergroup commit secret")

// Staged is a commit that has been derived and signed but not merged. The
// embedded record is what gets persisted to the outbox.
type Staged struct {
	domain.StagedCommit
	Commit   *domain.Commit
	Welcomes []*domain.Welcome
}

// Stage builds a commit of proposals on top of epoch base without changing
// the group. A nil proposals slice commits the queued proposals; an empty
// one only rotates the committer's leaf key.
func (m *Machine) Stage(signer domain.Signer, id domain.GroupID, base uint64, proposals []domain.ProposalKind) (*Staged, error) {
	s, err := m.rlock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return m.stage(s.g, signer, base, proposals)
}

// Merge makes a staged commit the current epoch.
func (m *Machine) Merge(id domain.GroupID, sc domain.StagedCommit) (domain.Epoch, error) {
	s, err := m.lock(id)
	if err != nil {
		return domain.Epoch{}, err
	}
	defer s.mu.Unlock()
	return m.merge(s.g, sc)
}

// Commit stages and merges in one step.
func (m *Machine) Commit(signer domain.Signer, id domain.GroupID, base uint64, proposals []domain.ProposalKind) (domain.Epoch, *Staged, error) {
	s, err := m.lock(id)
	if err != nil {
		return domain.Epoch{}, nil, err
	}
	defer s.mu.Unlock()

	st, err := m.stage(s.g, signer, base, proposals)
	if err != nil {
		return domain.Epoch{}, nil, err
	}
	ep, err := m.merge(s.g, st.StagedCommit)
	if err != nil {
		return domain.Epoch{}, nil, err
	}
	return ep, st, nil
}

func (m *Machine) stage(g *groupState, signer domain.Signer, base uint64, proposals []domain.ProposalKind) (*Staged, error) {
	if g.closed {
		return nil, fmt.Errorf("%w: %s", domain.ErrGroupClosed, g.id)
	}
	if base != g.cur.number {
		return nil, fmt.Errorf("%w: base %d, current %d", domain.ErrStaleEpoch, base, g.cur.number)
	}
	self, err := g.selfFor(signer)
	if err != nil {
		return nil, err
	}
	if proposals == nil {
		for _, p := range g.pending {
			proposals = append(proposals, p.Change)
		}
	}

	next, adds, err := applyProposals(g.cur.members, self, proposals, m.now().Unix())
	if err != nil {
		return nil, err
	}
	me := indexOf(next, signer.Credential().UserID)
	if me < 0 {
		return nil, fmt.Errorf("%w: a committer cannot remove itself", domain.ErrInvalidProposal)
	}
	leafPriv, leafPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	next[me].LeafKey = leafPub

	number := base + 1
	gctx, err := codec.GroupContext(g.id, number, next)
	if err != nil {
		return nil, err
	}
	commitSecret, err := keyschedule.RandomSecret()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(commitSecret)
	secret := keyschedule.NextEpochSecret(g.cur.secret, commitSecret, gctx)

	c := &domain.Commit{
		GroupID:   g.id,
		Epoch:     base,
		Committer: self,
		Proposals: proposals,
		LeafKey:   leafPub,
	}
	existing := len(next) - len(adds)
	for i := 0; i < existing; i++ {
		if i == me {
			continue
		}
		eph, ct, err := crypto.Seal(next[i].LeafKey, commitSecretInfo, gctx, commitSecret)
		if err != nil {
			return nil, err
		}
		c.Secrets = append(c.Secrets, domain.SealedSecret{Recipient: uint32(i), Ephemeral: eph, Ciphertext: ct})
	}

	content, err := codec.CommitContent(c)
	if err != nil {
		return nil, err
	}
	c.ConfirmationTag = keyschedule.ConfirmationTag(secret, content)
	signed, err := codec.CommitSigned(c)
	if err != nil {
		return nil, err
	}
	if c.Signature, err = signer.Sign(signed); err != nil {
		return nil, err
	}

	welcomes, err := buildWelcomes(signer, g.id, number, next, secret, uint32(me), gctx, adds)
	if err != nil {
		return nil, err
	}

	st := &Staged{
		StagedCommit: domain.StagedCommit{
			Base: base,
			Next: domain.EpochRecord{
				GroupID:  g.id,
				Epoch:    number,
				Members:  next,
				Secret:   secret,
				Self:     uint32(me),
				LeafPriv: leafPriv,
			},
		},
		Commit:   c,
		Welcomes: welcomes,
	}
	if st.StagedCommit.Commit, err = codec.Encode(c); err != nil {
		return nil, err
	}
	for _, w := range welcomes {
		raw, err := codec.Encode(w)
		if err != nil {
			return nil, err
		}
		st.StagedCommit.Welcomes = append(st.StagedCommit.Welcomes, raw)
	}
	return st, nil
}

func (m *Machine) merge(g *groupState, sc domain.StagedCommit) (domain.Epoch, error) {
	if g.closed {
		return domain.Epoch{}, fmt.Errorf("%w: %s", domain.ErrGroupClosed, g.id)
	}
	if sc.Base != g.cur.number {
		return domain.Epoch{}, fmt.Errorf("%w: staged on %d, current %d", domain.ErrStaleEpoch, sc.Base, g.cur.number)
	}
	es, err := epochFromRecord(sc.Next)
	if err != nil {
		return domain.Epoch{}, err
	}
	g.advance(es, m.retention)
	m.log.Debug("commit merged", "group", g.id, "epoch", es.number, "members", len(es.members))
	return es.view(g.id), nil
}

// ApplyCommit processes a commit from another member. The group advances
// only if every check passes; otherwise it is left untouched.
func (m *Machine) ApplyCommit(id domain.GroupID, c *domain.Commit) (domain.Epoch, error) {
	s, err := m.lock(id)
	if err != nil {
		return domain.Epoch{}, err
	}
	defer s.mu.Unlock()
	g := s.g
	cur := g.cur

	if g.closed {
		return domain.Epoch{}, fmt.Errorf("%w: %s", domain.ErrGroupClosed, id)
	}
	if c.Epoch != cur.number {
		return domain.Epoch{}, fmt.Errorf("%w: commit on %d, current %d", domain.ErrEpochMismatch, c.Epoch, cur.number)
	}
	if int(c.Committer) >= len(cur.members) {
		return domain.Epoch{}, fmt.Errorf("%w: unknown committer %d", domain.ErrAuthFailure, c.Committer)
	}
	if c.Committer == cur.self {
		return domain.Epoch{}, fmt.Errorf("%w: commit from own leaf", domain.ErrInvalidProposal)
	}
	committer := cur.members[c.Committer]
	signed, err := codec.CommitSigned(c)
	if err != nil {
		return domain.Epoch{}, err
	}
	if !crypto.VerifyEd25519(committer.Credential.SigningKey, signed, c.Signature) {
		return domain.Epoch{}, fmt.Errorf("%w: commit signature", domain.ErrAuthFailure)
	}

	next, _, err := applyProposals(cur.members, c.Committer, c.Proposals, 0)
	if err != nil {
		return domain.Epoch{}, err
	}
	ci := indexOf(next, committer.Credential.UserID)
	if ci < 0 {
		return domain.Epoch{}, fmt.Errorf("%w: committer removes itself", domain.ErrInvalidProposal)
	}
	next[ci].LeafKey = c.LeafKey

	number := c.Epoch + 1
	me := indexOf(next, cur.members[cur.self].Credential.UserID)
	if me < 0 {
		// Removed: keep the last epoch so older traffic still opens.
		g.closed = true
		g.pending = nil
		m.log.Info("removed from group", "group", id, "epoch", number)
		return domain.Epoch{GroupID: id, Number: number, Members: cloneMembers(next)}, nil
	}

	gctx, err := codec.GroupContext(id, number, next)
	if err != nil {
		return domain.Epoch{}, err
	}
	var sealed *domain.SealedSecret
	for i := range c.Secrets {
		if c.Secrets[i].Recipient == uint32(me) {
			sealed = &c.Secrets[i]
			break
		}
	}
	if sealed == nil {
		return domain.Epoch{}, fmt.Errorf("%w: no commit secret for leaf %d", domain.ErrAuthFailure, me)
	}
	commitSecret, err := crypto.Open(cur.leafPriv, sealed.Ephemeral, commitSecretInfo, gctx, sealed.Ciphertext)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("%w: commit secret: %v", domain.ErrAuthFailure, err)
	}
	defer memzero.Zero(commitSecret)

	secret := keyschedule.NextEpochSecret(cur.secret, commitSecret, gctx)
	content, err := codec.CommitContent(c)
	if err != nil {
		return domain.Epoch{}, err
	}
	if !keyschedule.VerifyConfirmationTag(secret, content, c.ConfirmationTag) {
		memzero.Zero(secret)
		return domain.Epoch{}, fmt.Errorf("%w: confirmation tag", domain.ErrAuthFailure)
	}

	es, err := newEpochState(number, next, secret, uint32(me), cur.leafPriv)
	memzero.Zero(secret)
	if err != nil {
		return domain.Epoch{}, err
	}
	g.advance(es, m.retention)
	m.log.Debug("commit applied", "group", id, "epoch", number, "committer", committer.Credential.UserID)
	return es.view(id), nil
}

// applyProposals returns the membership that results from proposals:
// removals first with the survivors reindexed densely, then additions
// appended in order. Key package expiry is only checked when now is set.
func applyProposals(members []domain.Member, committer uint32, proposals []domain.ProposalKind, now int64) ([]domain.Member, []domain.AddMember, error) {
	removed := map[uint32]bool{}
	var adds []domain.AddMember
	for _, p := range proposals {
		switch c := p.(type) {
		case domain.RemoveMember:
			if int(c.Index) >= len(members) {
				return nil, nil, fmt.Errorf("%w: remove index %d of %d members", domain.ErrInvalidProposal, c.Index, len(members))
			}
			if removed[c.Index] {
				return nil, nil, fmt.Errorf("%w: member %d removed twice", domain.ErrInvalidProposal, c.Index)
			}
			removed[c.Index] = true
		case domain.AddMember:
			adds = append(adds, c)
		default:
			return nil, nil, fmt.Errorf("%w: unsupported change %T", domain.ErrInvalidProposal, p)
		}
	}
	if removed[committer] && len(adds) > 0 {
		return nil, nil, fmt.Errorf("%w: cannot add members while leaving", domain.ErrInvalidProposal)
	}

	next := make([]domain.Member, 0, len(members)+len(adds))
	for i, mem := range members {
		if removed[uint32(i)] {
			continue
		}
		mem.Index = uint32(len(next))
		next = append(next, mem)
	}
	for _, a := range adds {
		kp := a.KeyPackage
		if err := verifyKeyPackage(kp, now); err != nil {
			return nil, nil, err
		}
		if indexOf(next, kp.Credential.UserID) >= 0 {
			return nil, nil, fmt.Errorf("%w: %s is already a member", domain.ErrInvalidProposal, kp.Credential.UserID)
		}
		next = append(next, domain.Member{Index: uint32(len(next)), Credential: kp.Credential, LeafKey: kp.InitKey})
	}
	if len(next) == 0 {
		return nil, nil, fmt.Errorf("%w: commit would leave the group empty", domain.ErrInvalidProposal)
	}
	return next, adds, nil
}
