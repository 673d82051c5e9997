package types

// EventKind is the wire tag of an Event.
type EventKind uint8

const (
	KindProposal    EventKind = 1
	KindCommit      EventKind = 2
	KindWelcome     EventKind = 3
	KindApplication EventKind = 4
)

func (k EventKind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindCommit:
		return "commit"
	case KindWelcome:
		return "welcome"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Event is one of *Proposal, *Commit, *Welcome or *ApplicationMessage.
// The set is closed: only this package can add implementations.
type Event interface {
	Kind() EventKind
	Group() GroupID
	event()
}

// ProposalKind is one of AddMember or RemoveMember.
type ProposalKind interface {
	proposalKind()
}

// AddMember adds the owner of KeyPackage to the group.
type AddMember struct {
	KeyPackage KeyPackage
}

// RemoveMember removes the member at Index in the proposal's epoch.
type RemoveMember struct {
	Index uint32
}

func (AddMember) proposalKind()    {}
func (RemoveMember) proposalKind() {}

// Proposal is a signed, not yet committed membership change.
type Proposal struct {
	GroupID   GroupID
	Epoch     uint64
	Sender    uint32
	Change    ProposalKind
	Signature []byte
}

// SealedSecret is the commit secret encrypted to one member's leaf key.
type SealedSecret struct {
	Recipient  uint32
	Ephemeral  X25519Public
	Ciphertext []byte
}

// Commit moves a group from Epoch to Epoch+1.
type Commit struct {
	GroupID         GroupID
	Epoch           uint64
	Committer       uint32
	Proposals       []ProposalKind
	LeafKey         X25519Public
	Secrets         []SealedSecret
	ConfirmationTag []byte
	Signature       []byte
}

// Welcome lets Recipient join at Epoch without replaying history.
type Welcome struct {
	GroupID      GroupID
	Epoch        uint64
	Recipient    UserID
	KeyPackageID KeyPackageID
	Ephemeral    X25519Public
	Sealed       []byte
}

// GroupInfo is the plaintext carried inside a Welcome.
type GroupInfo struct {
	GroupID         GroupID
	Epoch           uint64
	Members         []Member
	EpochSecret     []byte
	Committer       uint32
	ConfirmationTag []byte
	Signature       []byte
}

// ApplicationMessage is a ciphertext bound to (group, epoch, sender, counter).
type ApplicationMessage struct {
	GroupID    GroupID
	Epoch      uint64
	Sender     uint32
	Counter    uint32
	Ciphertext []byte
}

func (*Proposal) Kind() EventKind           { return KindProposal }
func (*Commit) Kind() EventKind             { return KindCommit }
func (*Welcome) Kind() EventKind            { return KindWelcome }
func (*ApplicationMessage) Kind() EventKind { return KindApplication }

func (p *Proposal) Group() GroupID           { return p.GroupID }
func (c *Commit) Group() GroupID             { return c.GroupID }
func (w *Welcome) Group() GroupID            { return w.GroupID }
func (m *ApplicationMessage) Group() GroupID { return m.GroupID }

func (*Proposal) event()           {}
func (*Commit) event()             {}
func (*Welcome) event()            {}
func (*ApplicationMessage) event() {}
