package group

import (
	"fmt"
	"time"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
	"ciphergroup/internal/protocol/ratchet"
)

// Encrypt seals plaintext for the current epoch under the local member's
// next message key.
func (m *Machine) Encrypt(id domain.GroupID, plaintext []byte) (*domain.ApplicationMessage, error) {
	s, err := m.rlock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	g := s.g
	if g.closed {
		return nil, fmt.Errorf("%w: %s", domain.ErrGroupClosed, id)
	}

	cur := g.cur
	counter, mk, err := cur.tree.NextKey(cur.self)
	if err != nil {
		return nil, err
	}
	aad, err := codec.ApplicationAAD(id, cur.number, cur.self, counter)
	if err != nil {
		return nil, err
	}
	ct, err := ratchet.Encrypt(mk, aad, plaintext)
	if err != nil {
		return nil, err
	}
	return &domain.ApplicationMessage{
		GroupID:    id,
		Epoch:      cur.number,
		Sender:     cur.self,
		Counter:    counter,
		Ciphertext: ct,
	}, nil
}

// Decrypt opens msg with the key of its epoch, if that epoch is current or
// retained. When sender is non-empty it must own the sending leaf. Messages
// from epochs this member has no key for fail with domain.ErrAuthFailure.
func (m *Machine) Decrypt(id domain.GroupID, msg *domain.ApplicationMessage, sender domain.UserID) ([]byte, error) {
	s, err := m.rlock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	g := s.g

	if msg.GroupID != id {
		return nil, fmt.Errorf("%w: message for group %s", domain.ErrAuthFailure, msg.GroupID)
	}
	aad, err := codec.ApplicationAAD(id, msg.Epoch, msg.Sender, msg.Counter)
	if err != nil {
		return nil, err
	}

	es := g.epoch(msg.Epoch)
	if es == nil {
		return nil, fmt.Errorf("%w: no key for epoch %d", domain.ErrAuthFailure, msg.Epoch)
	}

	if int(msg.Sender) >= len(es.members) {
		return nil, fmt.Errorf("%w: unknown sender %d", domain.ErrAuthFailure, msg.Sender)
	}
	if sender != "" && es.members[msg.Sender].Credential.UserID != sender {
		return nil, fmt.Errorf("%w: leaf %d does not belong to %s", domain.ErrAuthFailure, msg.Sender, sender)
	}
	return es.tree.Open(msg.Sender, msg.Counter, aad, msg.Ciphertext)
}

// CanAdd reports whether actor may add target to the group now: actor is an
// active member, target is not, and bundle holds a usable key package for
// target.
func (m *Machine) CanAdd(actor, target domain.UserID, id domain.GroupID, bundle *domain.PreKeyBundle, now time.Time) bool {
	s, err := m.rlock(id)
	if err != nil {
		return false
	}
	defer s.mu.RUnlock()
	g := s.g

	if g.closed || g.cur.members[g.cur.self].Credential.UserID != actor {
		return false
	}
	if indexOf(g.cur.members, target) >= 0 {
		return false
	}
	if bundle == nil || bundle.Credential.UserID != target {
		return false
	}
	for _, kp := range bundle.KeyPackages {
		if kp.Credential == bundle.Credential && verifyKeyPackage(kp, now.Unix()) == nil {
			return true
		}
	}
	return false
}
