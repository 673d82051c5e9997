package domain

import "errors"

var (
	ErrDecode          = errors.New("decode error")
	ErrInvalidProposal = errors.New("invalid proposal")

	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrUnknownGroup  = errors.New("unknown group")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrGroupClosed   = errors.New("group closed")

	ErrStaleEpoch    = errors.New("stale epoch")
	ErrEpochMismatch = errors.New("epoch mismatch")

	ErrAuthFailure    = errors.New("authentication failure")
	ErrReplayDetected = errors.New("replay detected")
	ErrInvalidWelcome = errors.New("invalid welcome")

	ErrTransport = errors.New("transport error")
	ErrStorage   = errors.New("storage error")

	ErrStalled = errors.New("group stalled")
)

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuthorization
	KindConflict
	KindCrypto
	KindTransport
	KindStorage
	KindSync
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindCrypto:
		return "crypto"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	case KindSync:
		return "sync"
	default:
		return "unknown"
	}
}

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrDecode, KindValidation},
	{ErrInvalidProposal, KindValidation},
	{ErrAlreadyExists, KindAuthorization},
	{ErrNotFound, KindAuthorization},
	{ErrUnknownGroup, KindAuthorization},
	{ErrUnauthorized, KindAuthorization},
	{ErrGroupClosed, KindAuthorization},
	{ErrStaleEpoch, KindConflict},
	{ErrEpochMismatch, KindConflict},
	{ErrAuthFailure, KindCrypto},
	{ErrReplayDetected, KindCrypto},
	{ErrInvalidWelcome, KindCrypto},
	{ErrTransport, KindTransport},
	{ErrStorage, KindStorage},
	{ErrStalled, KindSync},
}

// KindOf classifies err. Unrecognised errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsConflict reports whether err asks the caller to resync and retry.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
