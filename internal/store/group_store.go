package store

import (
	"context"
	"errors"
	"strings"

	"ciphergroup/internal/domain"
)

// LoadHead returns the head record of a group.
func (s *Store) LoadHead(ctx context.Context, user domain.UserID, group domain.GroupID) (domain.GroupRecord, error) {
	var head domain.GroupRecord
	if err := getJSON(ctx, s.ds, headKey(user, group), &head); err != nil {
		return domain.GroupRecord{}, err
	}
	return head, nil
}

// LoadGroup returns a group's head with its current and retained epochs.
func (s *Store) LoadGroup(ctx context.Context, user domain.UserID, group domain.GroupID) (domain.GroupSnapshot, error) {
	head, err := s.LoadHead(ctx, user, group)
	if err != nil {
		return domain.GroupSnapshot{}, err
	}
	snap := domain.GroupSnapshot{Head: head}
	if err := getJSON(ctx, s.ds, epochKey(user, group, head.Epoch), &snap.Current); err != nil {
		return domain.GroupSnapshot{}, err
	}
	for _, n := range head.Retained {
		var rec domain.EpochRecord
		err := getJSON(ctx, s.ds, epochKey(user, group, n), &rec)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.GroupSnapshot{}, err
		}
		snap.Past = append(snap.Past, rec)
	}
	return snap, nil
}

// LoadGroups returns every group of user.
func (s *Store) LoadGroups(ctx context.Context, user domain.UserID) ([]domain.GroupSnapshot, error) {
	entries, err := list(ctx, s.ds, groupsKey(user))
	if err != nil {
		return nil, err
	}
	var out []domain.GroupSnapshot
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, "/head") {
			continue
		}
		rest := strings.TrimPrefix(e.Key, groupsKey(user).String()+"/")
		name, err := unseg(strings.TrimSuffix(rest, "/head"))
		if err != nil {
			return nil, wrap(err)
		}
		snap, err := s.LoadGroup(ctx, user, domain.GroupID(name))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (t *tx) PutGroup(user domain.UserID, head domain.GroupRecord) error {
	return putJSON(t.ctx, t.b, headKey(user, head.GroupID), head)
}

func (t *tx) PutEpoch(user domain.UserID, rec domain.EpochRecord) error {
	return putJSON(t.ctx, t.b, epochKey(user, rec.GroupID, rec.Epoch), rec)
}

func (t *tx) DeleteEpoch(user domain.UserID, group domain.GroupID, epoch uint64) error {
	return wrap(t.b.Delete(t.ctx, epochKey(user, group, epoch)))
}
