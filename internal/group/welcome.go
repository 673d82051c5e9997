package group

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
	"ciphergroup/internal/protocol/keyschedule"
)

var welcomeInfo = []byte("ciphergroup welcome")

// welcomeAAD binds a sealed GroupInfo to its group and key package.
func welcomeAAD(id domain.GroupID, kp domain.KeyPackageID) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(id)) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(kp)) })
	return b.Bytes()
}

func buildWelcomes(
	signer domain.Signer,
	id domain.GroupID,
	number uint64,
	members []domain.Member,
	secret []byte,
	committer uint32,
	gctx []byte,
	adds []domain.AddMember,
) ([]*domain.Welcome, error) {
	if len(adds) == 0 {
		return nil, nil
	}
	gi := &domain.GroupInfo{
		GroupID:         id,
		Epoch:           number,
		Members:         members,
		EpochSecret:     secret,
		Committer:       committer,
		ConfirmationTag: keyschedule.ConfirmationTag(secret, gctx),
	}
	content, err := codec.GroupInfoContent(gi)
	if err != nil {
		return nil, err
	}
	if gi.Signature, err = signer.Sign(content); err != nil {
		return nil, err
	}
	raw, err := codec.EncodeGroupInfo(gi)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Welcome, 0, len(adds))
	for _, a := range adds {
		kp := a.KeyPackage
		aad, err := welcomeAAD(id, kp.ID)
		if err != nil {
			return nil, err
		}
		eph, sealed, err := crypto.Seal(kp.InitKey, welcomeInfo, aad, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, &domain.Welcome{
			GroupID:      id,
			Epoch:        number,
			Recipient:    kp.Credential.UserID,
			KeyPackageID: kp.ID,
			Ephemeral:    eph,
			Sealed:       sealed,
		})
	}
	return out, nil
}

// ApplyWelcome joins a group from a Welcome addressed to signer, using the
// private half of the consumed key package. Nothing is stored on failure.
func (m *Machine) ApplyWelcome(signer domain.Signer, w *domain.Welcome, initPriv domain.X25519Private) (domain.Epoch, error) {
	if w.Recipient != signer.Credential().UserID {
		return domain.Epoch{}, fmt.Errorf("%w: addressed to %s", domain.ErrInvalidWelcome, w.Recipient)
	}
	s := m.slotFor(w.GroupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil && !s.g.closed && s.g.cur.number >= w.Epoch {
		return domain.Epoch{}, fmt.Errorf("%w: already at epoch %d", domain.ErrInvalidWelcome, s.g.cur.number)
	}

	aad, err := welcomeAAD(w.GroupID, w.KeyPackageID)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	raw, err := crypto.Open(initPriv, w.Ephemeral, welcomeInfo, aad, w.Sealed)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	gi, err := codec.DecodeGroupInfo(raw)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	self, err := checkGroupInfo(gi, w, signer.Credential(), initPriv)
	if err != nil {
		return domain.Epoch{}, err
	}

	es, err := newEpochState(gi.Epoch, gi.Members, gi.EpochSecret, self, initPriv)
	if err != nil {
		return domain.Epoch{}, err
	}
	if s.g != nil {
		s.g.wipe()
	}
	s.g = &groupState{id: gi.GroupID, cur: es}
	m.log.Debug("joined group", "group", gi.GroupID, "epoch", gi.Epoch, "members", len(gi.Members))
	return es.view(gi.GroupID), nil
}

// checkGroupInfo authenticates a decrypted GroupInfo and returns the local
// member's index in it.
func checkGroupInfo(gi *domain.GroupInfo, w *domain.Welcome, me domain.Credential, initPriv domain.X25519Private) (uint32, error) {
	if gi.GroupID != w.GroupID || gi.Epoch != w.Epoch {
		return 0, fmt.Errorf("%w: group info does not match envelope", domain.ErrInvalidWelcome)
	}
	if len(gi.EpochSecret) != keyschedule.SecretSize {
		return 0, fmt.Errorf("%w: epoch secret size", domain.ErrInvalidWelcome)
	}
	if int(gi.Committer) >= len(gi.Members) {
		return 0, fmt.Errorf("%w: unknown committer %d", domain.ErrInvalidWelcome, gi.Committer)
	}
	for i, mem := range gi.Members {
		if mem.Index != uint32(i) {
			return 0, fmt.Errorf("%w: member list is not dense", domain.ErrInvalidWelcome)
		}
	}

	content, err := codec.GroupInfoContent(gi)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	if !crypto.VerifyEd25519(gi.Members[gi.Committer].Credential.SigningKey, content, gi.Signature) {
		return 0, fmt.Errorf("%w: group info signature", domain.ErrInvalidWelcome)
	}
	gctx, err := codec.GroupContext(gi.GroupID, gi.Epoch, gi.Members)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	if !keyschedule.VerifyConfirmationTag(gi.EpochSecret, gctx, gi.ConfirmationTag) {
		return 0, fmt.Errorf("%w: confirmation tag", domain.ErrInvalidWelcome)
	}

	initPub, err := crypto.PublicX25519(initPriv)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	for i, mem := range gi.Members {
		if mem.Credential == me && mem.LeafKey == initPub {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: not a member of %s", domain.ErrInvalidWelcome, gi.GroupID)
}
