package types

// Member is a credential at a position in a group's membership list.
// Index is dense within an epoch and may change at the next commit.
type Member struct {
	Index      uint32       `json:"index"`
	Credential Credential   `json:"credential"`
	LeafKey    X25519Public `json:"leaf_key"`
}

// Epoch is the public view of one epoch of a group.
type Epoch struct {
	GroupID       GroupID  `json:"group_id"`
	Number        uint64   `json:"number"`
	Members       []Member `json:"members"`
	Authenticator []byte   `json:"authenticator"`
}

// HasMember reports whether user is in the epoch's membership list.
func (e Epoch) HasMember(user UserID) bool {
	for _, m := range e.Members {
		if m.Credential.UserID == user {
			return true
		}
	}
	return false
}

// EpochRecord is the persisted secret state of one epoch.
type EpochRecord struct {
	GroupID  GroupID         `json:"group_id"`
	Epoch    uint64          `json:"epoch"`
	Members  []Member        `json:"members"`
	Secret   []byte          `json:"secret"`
	Self     uint32          `json:"self"`
	LeafPriv X25519Private   `json:"leaf_priv"`
	Tree     SecretTreeState `json:"tree"`
}

// Checkpoint records how far a group has been synchronised.
type Checkpoint struct {
	Cursor    uint64 `json:"cursor"`
	SyncedUTC int64  `json:"synced_utc"`
}

// GroupRecord is the persisted head of a group. Pending holds encoded
// proposals; Retained lists the epochs kept for late messages.
type GroupRecord struct {
	GroupID    GroupID     `json:"group_id"`
	Epoch      uint64      `json:"epoch"`
	Status     GroupStatus `json:"status"`
	Pending    [][]byte    `json:"pending,omitempty"`
	Retained   []uint64    `json:"retained,omitempty"`
	Checkpoint Checkpoint  `json:"checkpoint"`
}

// GroupSnapshot is everything needed to restore a group into memory.
type GroupSnapshot struct {
	Head    GroupRecord
	Current EpochRecord
	Past    []EpochRecord
}

// StagedCommit is a derived but not yet merged epoch transition.
type StagedCommit struct {
	Base     uint64      `json:"base"`
	Commit   []byte      `json:"commit"`
	Welcomes [][]byte    `json:"welcomes,omitempty"`
	Next     EpochRecord `json:"next"`
}

// OutboxEntry is a staged commit waiting to be published.
type OutboxEntry struct {
	ID         string       `json:"id"`
	GroupID    GroupID      `json:"group_id"`
	Staged     StagedCommit `json:"staged"`
	Published  bool         `json:"published"`
	CreatedUTC int64        `json:"created_utc"`
}
