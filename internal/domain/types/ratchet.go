package types

// SecretTreeState is the serialisable form of an epoch's secret tree.
// Nodes is an arena indexed by tree node; nil entries were consumed.
type SecretTreeState struct {
	Leaves uint32       `json:"leaves"`
	Nodes  [][]byte     `json:"nodes"`
	Chains []ChainState `json:"chains"`
}

// ChainState tracks one sender's hash chain. Skipped maps counters to
// key||nonce for messages that arrived out of order.
type ChainState struct {
	Key     []byte            `json:"key,omitempty"`
	Next    uint32            `json:"next"`
	Skipped map[uint32][]byte `json:"skipped,omitempty"`
}
