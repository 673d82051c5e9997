package interfaces

import (
	"context"

	domaintypes "ciphergroup/internal/domain/types"
)

// Signer produces signatures under a member credential.
type Signer interface {
	Credential() domaintypes.Credential
	Sign(msg []byte) ([]byte, error)
}

// IdentityService owns credentials and one-time pre-keys.
type IdentityService interface {
	CreateIdentity(ctx context.Context, user domaintypes.UserID) (domaintypes.Credential, error)
	IssuePreKeyBundle(ctx context.Context, user domaintypes.UserID) (domaintypes.PreKeyBundle, error)
	SigningKeyFor(ctx context.Context, user domaintypes.UserID) (domaintypes.SigningKey, error)
	Credential(ctx context.Context, user domaintypes.UserID) (domaintypes.Credential, error)
	Fingerprint(ctx context.Context, user domaintypes.UserID) (domaintypes.Fingerprint, error)
	ConsumePreKey(
		ctx context.Context,
		user domaintypes.UserID,
		id domaintypes.KeyPackageID,
		fn func(priv domaintypes.X25519Private, tx Tx) error,
	) error
}

// MembershipService runs and persists group transitions.
type MembershipService interface {
	CreateGroup(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) (domaintypes.Epoch, error)
	IsGroup(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) (bool, error)
	CanAdd(ctx context.Context, user, candidate domaintypes.UserID, group domaintypes.GroupID) (bool, error)
	AddMember(ctx context.Context, user, member domaintypes.UserID, group domaintypes.GroupID) (domaintypes.Epoch, error)
	RemoveMember(ctx context.Context, user, member domaintypes.UserID, group domaintypes.GroupID) (domaintypes.Epoch, error)
	LeaveGroup(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) error
	Join(ctx context.Context, user domaintypes.UserID, welcome *domaintypes.Welcome) (domaintypes.Epoch, error)
	ApplyCommit(ctx context.Context, user domaintypes.UserID, commit *domaintypes.Commit, raw []byte) (domaintypes.Epoch, error)
	ApplyProposal(ctx context.Context, user domaintypes.UserID, proposal *domaintypes.Proposal) error
	FlushOutbox(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) error
	Epoch(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) (domaintypes.Epoch, error)
}

// MessageService encrypts and decrypts application messages.
type MessageService interface {
	Encrypt(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID, plaintext string) (string, error)
	Decrypt(
		ctx context.Context,
		user domaintypes.UserID,
		group domaintypes.GroupID,
		sender domaintypes.UserID,
		ciphertext string,
	) (string, error)
}

// SyncService reconciles local groups with the delivery service.
type SyncService interface {
	HandleEvent(ctx context.Context, user domaintypes.UserID, raw []byte) error
	Sync(ctx context.Context, user domaintypes.UserID, groups []domaintypes.GroupID) error
	Resync(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) error
	Status(user domaintypes.UserID, group domaintypes.GroupID) domaintypes.GroupStatus
}
