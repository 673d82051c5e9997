package interfaces

import (
	"context"

	domaintypes "ciphergroup/internal/domain/types"
)

// Tx collects writes that become visible together when the enclosing
// Store.Update returns nil.
type Tx interface {
	PutUser(rec domaintypes.UserRecord) error
	PutGroup(user domaintypes.UserID, head domaintypes.GroupRecord) error
	PutEpoch(user domaintypes.UserID, rec domaintypes.EpochRecord) error
	DeleteEpoch(user domaintypes.UserID, group domaintypes.GroupID, epoch uint64) error
	PutOutbox(user domaintypes.UserID, entry domaintypes.OutboxEntry) error
	DeleteOutbox(user domaintypes.UserID, group domaintypes.GroupID, id string) error
	PutMeta(user domaintypes.UserID, name string, value []byte) error
}

// Store is the durable partitioned key-value store of the client.
type Store interface {
	LoadUser(ctx context.Context, user domaintypes.UserID) (domaintypes.UserRecord, error)
	LoadGroup(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) (domaintypes.GroupSnapshot, error)
	LoadGroups(ctx context.Context, user domaintypes.UserID) ([]domaintypes.GroupSnapshot, error)
	LoadHead(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) (domaintypes.GroupRecord, error)
	ListOutbox(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) ([]domaintypes.OutboxEntry, error)
	Meta(ctx context.Context, user domaintypes.UserID, name string) ([]byte, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
}
