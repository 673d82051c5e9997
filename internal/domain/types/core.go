package types

// UserID identifies a user registered with the delivery service.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// GroupID identifies a group.
type GroupID string

// String returns the string form of the group id.
func (g GroupID) String() string { return string(g) }

// KeyPackageID identifies a one-time pre-key and its published key package.
type KeyPackageID string

// String returns the string form of the identifier.
func (id KeyPackageID) String() string { return string(id) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// GroupStatus is the lifecycle state of a local group.
type GroupStatus uint8

const (
	StatusUnknown GroupStatus = iota
	StatusActive
	StatusStalled
	StatusClosed
)

func (s GroupStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStalled:
		return "stalled"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
