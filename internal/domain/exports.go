package domain

import (
	interfaces "ciphergroup/internal/domain/interfaces"
	types "ciphergroup/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID             = types.UserID
	GroupID            = types.GroupID
	KeyPackageID       = types.KeyPackageID
	Fingerprint        = types.Fingerprint
	GroupStatus        = types.GroupStatus
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	Ed25519Public      = types.Ed25519Public
	Ed25519Private     = types.Ed25519Private
	Credential         = types.Credential
	Identity           = types.Identity
	SigningKey         = types.SigningKey
	UserRecord         = types.UserRecord
	PreKeyPair         = types.PreKeyPair
	KeyPackage         = types.KeyPackage
	PreKeyBundle       = types.PreKeyBundle
	Member             = types.Member
	Epoch              = types.Epoch
	EpochRecord        = types.EpochRecord
	Checkpoint         = types.Checkpoint
	GroupRecord        = types.GroupRecord
	GroupSnapshot      = types.GroupSnapshot
	StagedCommit       = types.StagedCommit
	OutboxEntry        = types.OutboxEntry
	SecretTreeState    = types.SecretTreeState
	ChainState         = types.ChainState
	EventKind          = types.EventKind
	Event              = types.Event
	ProposalKind       = types.ProposalKind
	AddMember          = types.AddMember
	RemoveMember       = types.RemoveMember
	Proposal           = types.Proposal
	SealedSecret       = types.SealedSecret
	Commit             = types.Commit
	Welcome            = types.Welcome
	GroupInfo          = types.GroupInfo
	ApplicationMessage = types.ApplicationMessage
	Delivery           = types.Delivery
	Inbox              = types.Inbox
)

const (
	StatusUnknown = types.StatusUnknown
	StatusActive  = types.StatusActive
	StatusStalled = types.StatusStalled
	StatusClosed  = types.StatusClosed

	KindProposal    = types.KindProposal
	KindCommit      = types.KindCommit
	KindWelcome     = types.KindWelcome
	KindApplication = types.KindApplication
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	Signer            = interfaces.Signer
	IdentityService   = interfaces.IdentityService
	MembershipService = interfaces.MembershipService
	MessageService    = interfaces.MessageService
	SyncService       = interfaces.SyncService
	Tx                = interfaces.Tx
	Store             = interfaces.Store
	RelayClient       = interfaces.RelayClient
	KeyResolver       = interfaces.KeyResolver
)
