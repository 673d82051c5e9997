package group

import (
	"bytes"
	"fmt"
	"time"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
)

// Propose signs a membership change against the current epoch and queues it
// for the next commit.
func (m *Machine) Propose(signer domain.Signer, id domain.GroupID, change domain.ProposalKind) (*domain.Proposal, error) {
	s, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	g := s.g

	if g.closed {
		return nil, fmt.Errorf("%w: %s", domain.ErrGroupClosed, id)
	}
	self, err := g.selfFor(signer)
	if err != nil {
		return nil, err
	}
	if err := m.checkChange(g.cur.members, change); err != nil {
		return nil, err
	}

	p := &domain.Proposal{GroupID: id, Epoch: g.cur.number, Sender: self, Change: change}
	content, err := codec.ProposalContent(p)
	if err != nil {
		return nil, err
	}
	if p.Signature, err = signer.Sign(content); err != nil {
		return nil, err
	}
	g.pending = append(g.pending, p)
	out := *p
	return &out, nil
}

// ReceiveProposal verifies a proposal from another member and queues it.
// A proposal already queued is accepted again without effect.
func (m *Machine) ReceiveProposal(id domain.GroupID, p *domain.Proposal) error {
	s, err := m.lock(id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	g := s.g

	if g.closed {
		return fmt.Errorf("%w: %s", domain.ErrGroupClosed, id)
	}
	if p.Epoch != g.cur.number {
		return fmt.Errorf("%w: proposal for epoch %d, current %d", domain.ErrEpochMismatch, p.Epoch, g.cur.number)
	}
	if int(p.Sender) >= len(g.cur.members) {
		return fmt.Errorf("%w: unknown proposer %d", domain.ErrAuthFailure, p.Sender)
	}
	content, err := codec.ProposalContent(p)
	if err != nil {
		return err
	}
	if !crypto.VerifyEd25519(g.cur.members[p.Sender].Credential.SigningKey, content, p.Signature) {
		return fmt.Errorf("%w: proposal signature", domain.ErrAuthFailure)
	}
	for _, q := range g.pending {
		if bytes.Equal(q.Signature, p.Signature) {
			return nil
		}
	}
	if err := m.checkChange(g.cur.members, p.Change); err != nil {
		return err
	}
	g.pending = append(g.pending, p)
	return nil
}

// Pending returns the queued proposals of the current epoch.
func (m *Machine) Pending(id domain.GroupID) ([]*domain.Proposal, error) {
	s, err := m.rlock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	out := make([]*domain.Proposal, len(s.g.pending))
	copy(out, s.g.pending)
	return out, nil
}

// ShouldCommitPending reports whether the local member is the one expected
// to commit queued removals: a member asked to leave and the local member
// has the lowest index among those staying.
func (m *Machine) ShouldCommitPending(id domain.GroupID) bool {
	s, err := m.rlock(id)
	if err != nil {
		return false
	}
	defer s.mu.RUnlock()
	g := s.g
	if g.closed || len(g.pending) == 0 {
		return false
	}

	leaving := map[uint32]bool{}
	for _, p := range g.pending {
		if r, ok := p.Change.(domain.RemoveMember); ok {
			leaving[r.Index] = true
		}
	}
	if len(leaving) == 0 || leaving[g.cur.self] {
		return false
	}
	for i := range g.cur.members {
		if !leaving[uint32(i)] {
			return uint32(i) == g.cur.self
		}
	}
	return false
}

// checkChange validates a single change against the current membership.
func (m *Machine) checkChange(members []domain.Member, change domain.ProposalKind) error {
	switch c := change.(type) {
	case domain.RemoveMember:
		if int(c.Index) >= len(members) {
			return fmt.Errorf("%w: remove index %d of %d members", domain.ErrInvalidProposal, c.Index, len(members))
		}
	case domain.AddMember:
		if err := verifyKeyPackage(c.KeyPackage, m.now().Unix()); err != nil {
			return err
		}
		if indexOf(members, c.KeyPackage.Credential.UserID) >= 0 {
			return fmt.Errorf("%w: %s is already a member", domain.ErrInvalidProposal, c.KeyPackage.Credential.UserID)
		}
	default:
		return fmt.Errorf("%w: unsupported change %T", domain.ErrInvalidProposal, change)
	}
	return nil
}

// VerifyKeyPackage checks a key package's signature and expiry at now.
func VerifyKeyPackage(kp domain.KeyPackage, now time.Time) error {
	return verifyKeyPackage(kp, now.Unix())
}

// verifyKeyPackage checks the package signature, and its expiry when now is
// non-zero.
func verifyKeyPackage(kp domain.KeyPackage, now int64) error {
	if now != 0 && kp.Expired(now) {
		return fmt.Errorf("%w: key package %s expired", domain.ErrInvalidProposal, kp.ID)
	}
	content, err := codec.KeyPackageContent(kp)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidProposal, err)
	}
	if !crypto.VerifyEd25519(kp.Credential.SigningKey, content, kp.Signature) {
		return fmt.Errorf("%w: key package %s signature", domain.ErrInvalidProposal, kp.ID)
	}
	return nil
}
