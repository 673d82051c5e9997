package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ciphergroup/internal/domain"
)

// Registry hands out one Machine per local user, restoring it from the
// store on first use, and the per-group locks that keep a group's memory
// and storage in step.
type Registry struct {
	store domain.Store
	opts  []Option

	mu       sync.RWMutex
	machines map[domain.UserID]*Machine

	lmu   sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store domain.Store, opts ...Option) *Registry {
	return &Registry{
		store:    store,
		opts:     opts,
		machines: make(map[domain.UserID]*Machine),
		locks:    make(map[string]*sync.Mutex),
	}
}

// For returns user's Machine.
func (r *Registry) For(ctx context.Context, user domain.UserID) (*Machine, error) {
	r.mu.RLock()
	m, ok := r.machines[user]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[user]; ok {
		return m, nil
	}

	snaps, err := r.store.LoadGroups(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load groups of %s: %w", user, err)
	}
	m = NewMachine(r.opts...)
	for _, snap := range snaps {
		if err := m.Restore(snap); err != nil {
			return nil, err
		}
	}
	r.machines[user] = m
	return m, nil
}

// Lock serialises work on one group of one user and returns the unlock.
func (r *Registry) Lock(user domain.UserID, id domain.GroupID) func() {
	key := string(user) + "\x00" + string(id)
	r.lmu.Lock()
	mu, ok := r.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[key] = mu
	}
	r.lmu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Forget drops the cached Machine of user.
func (r *Registry) Forget(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, user)
}

// Write stages the current state of group id into tx. The sync checkpoint
// of the stored head is kept and epochs no longer retained are deleted.
func (r *Registry) Write(ctx context.Context, tx domain.Tx, user domain.UserID, id domain.GroupID) error {
	m, err := r.For(ctx, user)
	if err != nil {
		return err
	}
	snap, err := m.Snapshot(id)
	if err != nil {
		return err
	}

	keep := map[uint64]bool{snap.Current.Epoch: true}
	for _, rec := range snap.Past {
		keep[rec.Epoch] = true
	}
	prev, err := r.store.LoadHead(ctx, user, id)
	switch {
	case err == nil:
		snap.Head.Checkpoint = prev.Checkpoint
		for _, n := range append(prev.Retained, prev.Epoch) {
			if !keep[n] {
				if err := tx.DeleteEpoch(user, id, n); err != nil {
					return err
				}
			}
		}
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	if err := tx.PutGroup(user, snap.Head); err != nil {
		return err
	}
	if err := tx.PutEpoch(user, snap.Current); err != nil {
		return err
	}
	for _, rec := range snap.Past {
		if err := tx.PutEpoch(user, rec); err != nil {
			return err
		}
	}
	return nil
}

// Save persists group id together with the writes of extra. If the store
// rejects the transaction the in-memory group is reloaded from the store.
func (r *Registry) Save(ctx context.Context, user domain.UserID, id domain.GroupID, extra func(domain.Tx) error) error {
	err := r.store.Update(ctx, func(tx domain.Tx) error {
		if err := r.Write(ctx, tx, user, id); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		if rerr := r.Reload(ctx, user, id); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// Reload replaces the in-memory group with what the store holds, dropping
// it if the store has none.
func (r *Registry) Reload(ctx context.Context, user domain.UserID, id domain.GroupID) error {
	m, err := r.For(ctx, user)
	if err != nil {
		return err
	}
	snap, err := r.store.LoadGroup(ctx, user, id)
	if errors.Is(err, domain.ErrNotFound) {
		m.Delete(id)
		return nil
	}
	if err != nil {
		return err
	}
	return m.Restore(snap)
}

// SetCheckpoint records how far group id has been synchronised.
func (r *Registry) SetCheckpoint(ctx context.Context, user domain.UserID, id domain.GroupID, cp domain.Checkpoint) error {
	head, err := r.store.LoadHead(ctx, user, id)
	if err != nil {
		return err
	}
	head.Checkpoint = cp
	return r.store.Update(ctx, func(tx domain.Tx) error { return tx.PutGroup(user, head) })
}

// Checkpoint returns the stored sync checkpoint of group id. A group that
// was never stored starts at the zero checkpoint.
func (r *Registry) Checkpoint(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.Checkpoint, error) {
	head, err := r.store.LoadHead(ctx, user, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Checkpoint{}, nil
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return head.Checkpoint, nil
}
