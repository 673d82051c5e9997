package app

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ciphergroup/internal/domain"
)

// App is the client surface used by the CLI: one method per user-facing
// operation, all scoped to a local user.
type App struct {
	w *Wire
}

func New(w *Wire) *App { return &App{w: w} }

// InitUser creates the local identity of user. It does nothing if the
// identity already exists.
func (a *App) InitUser(ctx context.Context, user domain.UserID) error {
	_, err := a.w.Identity.CreateIdentity(ctx, user)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return nil
	}
	return err
}

// RegisterUser publishes user's credential and key packages to the
// delivery service.
func (a *App) RegisterUser(ctx context.Context, user domain.UserID) (string, error) {
	bundle, err := a.w.Identity.IssuePreKeyBundle(ctx, user)
	if err != nil {
		return "", err
	}
	return a.w.Relay.PublishKeyPackages(ctx, bundle)
}

func (a *App) Fingerprint(ctx context.Context, user domain.UserID) (domain.Fingerprint, error) {
	return a.w.Identity.Fingerprint(ctx, user)
}

func (a *App) IsGroup(ctx context.Context, user domain.UserID, id domain.GroupID) (bool, error) {
	return a.w.Membership.IsGroup(ctx, user, id)
}

// CreateGroup creates a group owned by user. An empty id picks a random one.
func (a *App) CreateGroup(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.GroupID, error) {
	if id == "" {
		id = domain.GroupID("group:" + uuid.NewString())
	}
	if _, err := a.w.Membership.CreateGroup(ctx, user, id); err != nil {
		return "", err
	}
	return id, nil
}

// SyncState brings the given groups, or all local groups, up to date.
func (a *App) SyncState(ctx context.Context, user domain.UserID, ids []domain.GroupID) error {
	return a.w.Sync.Sync(ctx, user, ids)
}

// CanAddMember reports whether candidate has a usable key package.
func (a *App) CanAddMember(ctx context.Context, user, candidate domain.UserID) (bool, error) {
	return a.w.Membership.CanAdd(ctx, user, candidate, "")
}

func (a *App) CanAddToGroup(ctx context.Context, user, candidate domain.UserID, id domain.GroupID) (bool, error) {
	return a.w.Membership.CanAdd(ctx, user, candidate, id)
}

func (a *App) AddMember(ctx context.Context, user, member domain.UserID, id domain.GroupID) error {
	return a.retryConflict(ctx, user, id, func() error {
		_, err := a.w.Membership.AddMember(ctx, user, member, id)
		return err
	})
}

func (a *App) RemoveMember(ctx context.Context, user, member domain.UserID, id domain.GroupID) error {
	return a.retryConflict(ctx, user, id, func() error {
		_, err := a.w.Membership.RemoveMember(ctx, user, member, id)
		return err
	})
}

func (a *App) LeaveGroup(ctx context.Context, user domain.UserID, id domain.GroupID) error {
	return a.retryConflict(ctx, user, id, func() error {
		return a.w.Membership.LeaveGroup(ctx, user, id)
	})
}

func (a *App) Encrypt(ctx context.Context, user domain.UserID, plaintext string, id domain.GroupID) (string, error) {
	return a.w.Messages.Encrypt(ctx, user, id, plaintext)
}

func (a *App) Decrypt(ctx context.Context, user domain.UserID, ciphertext string, sender domain.UserID, id domain.GroupID) (string, error) {
	return a.w.Messages.Decrypt(ctx, user, id, sender, ciphertext)
}

func (a *App) HandleEvent(ctx context.Context, user domain.UserID, raw []byte) error {
	return a.w.Sync.HandleEvent(ctx, user, raw)
}

func (a *App) Resync(ctx context.Context, user domain.UserID, id domain.GroupID) error {
	return a.w.Sync.Resync(ctx, user, id)
}

func (a *App) Status(user domain.UserID, id domain.GroupID) domain.GroupStatus {
	return a.w.Sync.Status(user, id)
}

func (a *App) Epoch(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.Epoch, error) {
	return a.w.Membership.Epoch(ctx, user, id)
}

// retryConflict runs op and, if another commit won the epoch, syncs the
// group and runs op once more.
func (a *App) retryConflict(ctx context.Context, user domain.UserID, id domain.GroupID, op func() error) error {
	err := op()
	if !domain.IsConflict(err) {
		return err
	}
	a.w.Log.Info("conflict, syncing before retry", "user", user, "group", id, "error", err)
	if serr := a.w.Sync.Sync(ctx, user, []domain.GroupID{id}); serr != nil {
		return errors.Join(err, serr)
	}
	return op()
}
