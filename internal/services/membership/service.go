package membership

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/group"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
	"ciphergroup/internal/protocol/codec"
)

// Service runs membership changes for local users and keeps the store in
// step with each group's state machine.
//
// A local commit goes through the outbox:
//  1. stage the commit and persist it as an outbox entry;
//  2. publish the commit; a conflict discards the entry;
//  3. merge the new epoch and persist it, marking the entry published;
//  4. publish the welcomes and delete the entry.
//
// A crash at any point leaves an entry that FlushOutbox finishes.
type Service struct {
	groups  *group.Registry
	ids     domain.IdentityService
	store   domain.Store
	relay   domain.RelayClient
	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func New(
	groups *group.Registry,
	ids domain.IdentityService,
	store domain.Store,
	relay domain.RelayClient,
	opts ...Option,
) *Service {
	s := &Service{
		groups: groups,
		ids:    ids,
		store:  store,
		relay:  relay,
		now:    time.Now,
		log:    logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// CreateGroup registers the group with the delivery service and creates it
// locally with user as the only member.
func (s *Service) CreateGroup(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.Epoch, error) {
	key, err := s.ids.SigningKeyFor(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	if m.IsGroup(id) {
		return domain.Epoch{}, fmt.Errorf("%w: group %s", domain.ErrAlreadyExists, id)
	}
	if _, err := s.relay.CreateGroup(ctx, user, id); err != nil {
		return domain.Epoch{}, fmt.Errorf("register group %s: %w", id, err)
	}

	defer s.groups.Lock(user, id)()
	ep, err := m.Create(key, id)
	if err != nil {
		return domain.Epoch{}, err
	}
	if err := s.groups.Save(ctx, user, id, nil); err != nil {
		return domain.Epoch{}, err
	}
	s.log.Info("group created", "user", user, "group", id)
	return ep, nil
}

func (s *Service) IsGroup(ctx context.Context, user domain.UserID, id domain.GroupID) (bool, error) {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return false, err
	}
	return m.IsGroup(id), nil
}

// CanAdd reports whether user could add candidate to group id right now.
// With an empty id it only checks that candidate has a usable key package.
func (s *Service) CanAdd(ctx context.Context, user, candidate domain.UserID, id domain.GroupID) (bool, error) {
	kp, err := s.relay.FetchKeyPackage(ctx, user, candidate, false)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if id == "" {
		return kp.Credential.UserID == candidate && group.VerifyKeyPackage(kp, s.now()) == nil, nil
	}
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return false, err
	}
	bundle := domain.PreKeyBundle{Credential: kp.Credential, KeyPackages: []domain.KeyPackage{kp}}
	return m.CanAdd(user, candidate, id, &bundle, s.now()), nil
}

// AddMember reserves a key package of member and commits its addition.
func (s *Service) AddMember(ctx context.Context, user, member domain.UserID, id domain.GroupID) (domain.Epoch, error) {
	ep, err := s.Epoch(ctx, user, id)
	if err != nil {
		return domain.Epoch{}, err
	}
	if ep.HasMember(member) {
		return domain.Epoch{}, fmt.Errorf("%w: %s is already a member", domain.ErrInvalidProposal, member)
	}
	kp, err := s.relay.FetchKeyPackage(ctx, user, member, true)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("key package of %s: %w", member, err)
	}
	return s.commit(ctx, user, id, []domain.ProposalKind{domain.AddMember{KeyPackage: kp}})
}

// RemoveMember commits the removal of member. Use LeaveGroup to remove
// oneself.
func (s *Service) RemoveMember(ctx context.Context, user, member domain.UserID, id domain.GroupID) (domain.Epoch, error) {
	if member == user {
		return domain.Epoch{}, fmt.Errorf("%w: use leave to remove yourself", domain.ErrInvalidProposal)
	}
	ep, err := s.Epoch(ctx, user, id)
	if err != nil {
		return domain.Epoch{}, err
	}
	idx := -1
	for _, mem := range ep.Members {
		if mem.Credential.UserID == member {
			idx = int(mem.Index)
		}
	}
	if idx < 0 {
		return domain.Epoch{}, fmt.Errorf("%w: %s is not a member", domain.ErrInvalidProposal, member)
	}
	return s.commit(ctx, user, id, []domain.ProposalKind{domain.RemoveMember{Index: uint32(idx)}})
}

// CommitPending commits the proposals queued for the current epoch.
func (s *Service) CommitPending(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.Epoch, error) {
	return s.commit(ctx, user, id, nil)
}

// LeaveGroup proposes the user's own removal and closes the group locally.
// The remaining member with the lowest index commits the proposal. A sole
// member just closes the group.
func (s *Service) LeaveGroup(ctx context.Context, user domain.UserID, id domain.GroupID) error {
	key, err := s.ids.SigningKeyFor(ctx, user)
	if err != nil {
		return err
	}
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return err
	}
	ep, err := m.Epoch(id)
	if err != nil {
		return err
	}

	if len(ep.Members) > 1 {
		var self uint32
		for _, mem := range ep.Members {
			if mem.Credential.UserID == user {
				self = mem.Index
			}
		}
		unlock := s.groups.Lock(user, id)
		p, err := m.Propose(key, id, domain.RemoveMember{Index: self})
		unlock()
		if err != nil {
			return err
		}
		raw, err := codec.Encode(p)
		if err != nil {
			return err
		}
		if _, err := s.relay.Publish(ctx, user, id, "", raw); err != nil {
			return fmt.Errorf("publish leave proposal: %w", err)
		}
	}

	defer s.groups.Lock(user, id)()
	if err := m.Close(id); err != nil {
		return err
	}
	if err := s.groups.Save(ctx, user, id, nil); err != nil {
		return err
	}
	s.log.Info("left group", "user", user, "group", id, "epoch", ep.Number)
	return nil
}

// Join applies a welcome addressed to user. The key package it was sealed
// to is consumed in the same transaction that stores the group; fresh key
// packages are then published.
func (s *Service) Join(ctx context.Context, user domain.UserID, w *domain.Welcome) (domain.Epoch, error) {
	key, err := s.ids.SigningKeyFor(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}

	var (
		ep      domain.Epoch
		applied bool
	)
	err = s.ids.ConsumePreKey(ctx, user, w.KeyPackageID, func(priv domain.X25519Private, tx domain.Tx) error {
		defer s.groups.Lock(user, w.GroupID)()
		var err error
		if ep, err = m.ApplyWelcome(key, w, priv); err != nil {
			return err
		}
		applied = true
		return s.groups.Write(ctx, tx, user, w.GroupID)
	})
	if err != nil {
		if applied {
			unlock := s.groups.Lock(user, w.GroupID)
			if rerr := s.groups.Reload(ctx, user, w.GroupID); rerr != nil {
				s.log.Error("reload after failed join", "group", w.GroupID, "error", rerr)
			}
			unlock()
		}
		return domain.Epoch{}, err
	}
	s.log.Info("joined group", "user", user, "group", w.GroupID, "epoch", ep.Number)

	if err := s.republish(ctx, user); err != nil {
		s.log.Warn("republish key packages", "user", user, "error", err)
	}
	return ep, nil
}

func (s *Service) republish(ctx context.Context, user domain.UserID) error {
	bundle, err := s.ids.IssuePreKeyBundle(ctx, user)
	if err != nil {
		return err
	}
	_, err = s.relay.PublishKeyPackages(ctx, bundle)
	return err
}

// ApplyCommit applies a commit fetched from the delivery service. The
// user's own commit, recognised by its bytes in the outbox, completes the
// pending outbox entry instead.
func (s *Service) ApplyCommit(ctx context.Context, user domain.UserID, c *domain.Commit, raw []byte) (domain.Epoch, error) {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	id := c.GroupID
	entries, err := s.store.ListOutbox(ctx, user, id)
	if err != nil {
		return domain.Epoch{}, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Staged.Commit, raw) {
			return s.complete(ctx, user, m, e)
		}
	}

	defer s.groups.Lock(user, id)()
	ep, err := m.ApplyCommit(id, c)
	if err != nil {
		return domain.Epoch{}, err
	}
	err = s.groups.Save(ctx, user, id, func(tx domain.Tx) error {
		for _, e := range entries {
			if !e.Published && e.Staged.Base < ep.Number {
				if err := tx.DeleteOutbox(user, id, e.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return domain.Epoch{}, err
	}
	return ep, nil
}

// ApplyProposal queues a proposal from another member.
func (s *Service) ApplyProposal(ctx context.Context, user domain.UserID, p *domain.Proposal) error {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return err
	}
	defer s.groups.Lock(user, p.GroupID)()
	if err := m.ReceiveProposal(p.GroupID, p); err != nil {
		return err
	}
	return s.groups.Save(ctx, user, p.GroupID, nil)
}

// ShouldCommitPending reports whether user is expected to commit the
// proposals queued in group id.
func (s *Service) ShouldCommitPending(ctx context.Context, user domain.UserID, id domain.GroupID) bool {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return false
	}
	return m.ShouldCommitPending(id)
}

// FlushOutbox finishes the outbox entries of group id in creation order.
// Entries staged on an epoch the group has left are discarded.
func (s *Service) FlushOutbox(ctx context.Context, user domain.UserID, id domain.GroupID) error {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return err
	}
	entries, err := s.store.ListOutbox(ctx, user, id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ep, err := m.Epoch(id)
		if err != nil {
			return err
		}
		if !e.Published && e.Staged.Base != ep.Number {
			s.log.Info("discarding stale outbox entry", "group", id, "base", e.Staged.Base, "epoch", ep.Number)
			if err := s.discard(ctx, user, e); err != nil {
				return err
			}
			continue
		}
		if _, err := s.publish(ctx, user, m, e); err != nil && !errors.Is(err, domain.ErrStaleEpoch) {
			return err
		}
	}
	return nil
}

func (s *Service) Epoch(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.Epoch, error) {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	return m.Epoch(id)
}

func (s *Service) commit(ctx context.Context, user domain.UserID, id domain.GroupID, proposals []domain.ProposalKind) (domain.Epoch, error) {
	key, err := s.ids.SigningKeyFor(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return domain.Epoch{}, err
	}
	if err := s.FlushOutbox(ctx, user, id); err != nil {
		return domain.Epoch{}, err
	}

	unlock := s.groups.Lock(user, id)
	ep, err := m.Epoch(id)
	if err != nil {
		unlock()
		return domain.Epoch{}, err
	}
	st, err := m.Stage(key, id, ep.Number, proposals)
	if err != nil {
		unlock()
		return domain.Epoch{}, err
	}
	entry := domain.OutboxEntry{
		ID:         uuid.NewString(),
		GroupID:    id,
		Staged:     st.StagedCommit,
		CreatedUTC: s.now().UnixNano(),
	}
	err = s.store.Update(ctx, func(tx domain.Tx) error { return tx.PutOutbox(user, entry) })
	unlock()
	if err != nil {
		return domain.Epoch{}, err
	}
	return s.publish(ctx, user, m, entry)
}

// publish sends an entry's commit and completes it. On a conflict the
// entry is discarded and domain.ErrStaleEpoch returned; on any other
// failure the entry is left for FlushOutbox.
func (s *Service) publish(ctx context.Context, user domain.UserID, m *group.Machine, e domain.OutboxEntry) (domain.Epoch, error) {
	if !e.Published {
		if _, err := s.relay.Publish(ctx, user, e.GroupID, "", e.Staged.Commit); err != nil {
			if errors.Is(err, domain.ErrStaleEpoch) {
				s.metrics.CommitConflictTotal.Inc()
				s.log.Info("commit lost the epoch", "group", e.GroupID, "base", e.Staged.Base)
				if derr := s.discard(ctx, user, e); derr != nil {
					return domain.Epoch{}, errors.Join(err, derr)
				}
			}
			return domain.Epoch{}, err
		}
	}
	return s.complete(ctx, user, m, e)
}

// complete merges an accepted commit if that has not happened yet, then
// publishes its welcomes and drops the entry.
func (s *Service) complete(ctx context.Context, user domain.UserID, m *group.Machine, e domain.OutboxEntry) (domain.Epoch, error) {
	id := e.GroupID
	if !e.Published {
		unlock := s.groups.Lock(user, id)
		if _, err := m.Merge(id, e.Staged); err != nil {
			unlock()
			return domain.Epoch{}, err
		}
		e.Published = true
		err := s.groups.Save(ctx, user, id, func(tx domain.Tx) error { return tx.PutOutbox(user, e) })
		unlock()
		if err != nil {
			return domain.Epoch{}, err
		}
		s.log.Info("commit published", "user", user, "group", id, "epoch", e.Staged.Next.Epoch)
	}

	for _, raw := range e.Staged.Welcomes {
		ev, err := codec.Decode(raw)
		if err != nil {
			return domain.Epoch{}, err
		}
		w, ok := ev.(*domain.Welcome)
		if !ok {
			return domain.Epoch{}, fmt.Errorf("%w: outbox welcome is a %s", domain.ErrDecode, ev.Kind())
		}
		if _, err := s.relay.Publish(ctx, user, id, w.Recipient, raw); err != nil {
			return domain.Epoch{}, fmt.Errorf("publish welcome for %s: %w", w.Recipient, err)
		}
	}
	if err := s.discard(ctx, user, e); err != nil {
		return domain.Epoch{}, err
	}
	return m.Epoch(id)
}

func (s *Service) discard(ctx context.Context, user domain.UserID, e domain.OutboxEntry) error {
	return s.store.Update(ctx, func(tx domain.Tx) error { return tx.DeleteOutbox(user, e.GroupID, e.ID) })
}

var _ domain.MembershipService = (*Service)(nil)
