package interfaces

import (
	"context"

	domaintypes "ciphergroup/internal/domain/types"
)

// RelayClient is how we talk to the delivery service, all with context.
type RelayClient interface {
	PublishKeyPackages(ctx context.Context, bundle domaintypes.PreKeyBundle) (string, error)
	FetchKeyPackage(
		ctx context.Context,
		requester, target domaintypes.UserID,
		consume bool,
	) (domaintypes.KeyPackage, error)
	CreateGroup(ctx context.Context, user domaintypes.UserID, group domaintypes.GroupID) (string, error)
	Publish(
		ctx context.Context,
		user domaintypes.UserID,
		group domaintypes.GroupID,
		recipient domaintypes.UserID,
		event []byte,
	) (uint64, error)
	FetchEvents(
		ctx context.Context,
		user domaintypes.UserID,
		cursors map[domaintypes.GroupID]uint64,
		welcomeCursor uint64,
	) (domaintypes.Inbox, error)
}

// KeyResolver supplies the key a request for user is signed with.
type KeyResolver interface {
	SigningKeyFor(ctx context.Context, user domaintypes.UserID) (domaintypes.SigningKey, error)
}
