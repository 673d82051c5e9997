package ratchet

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/keyschedule"
	"ciphergroup/internal/util/memzero"
)

const (
	aeadKeySize = chacha20poly1305.KeySize
	nonceSize   = chacha20poly1305.NonceSize

	// MaxSkip bounds both how far ahead a counter may jump and how many
	// skipped keys one sender chain keeps.
	MaxSkip = 1000
)

var (
	errNoLeaves       = errors.New("ratchet: tree needs at least one leaf")
	errLeafConsumed   = errors.New("ratchet: leaf secret already consumed")
	errMalformedState = errors.New("ratchet: malformed tree state")
)

// MessageKey is the AEAD key and nonce for exactly one message.
type MessageKey struct {
	Key   [aeadKeySize]byte
	Nonce [nonceSize]byte
}

func (mk *MessageKey) wipe() {
	memzero.Zero(mk.Key[:])
	memzero.Zero(mk.Nonce[:])
}

type chain struct {
	key     []byte
	next    uint32
	skipped map[uint32]MessageKey
}

// Tree is the secret tree of one epoch. Node secrets live in a flat arena
// addressed with array tree arithmetic; leaf i sits at node 2i.
//
// Tree is safe for concurrent use.
type Tree struct {
	mu     sync.Mutex
	leaves uint32
	nodes  [][]byte
	chains []*chain
}

// NewTree seeds a tree for leaves members from the epoch's encryption secret.
func NewTree(encryptionSecret []byte, leaves uint32) (*Tree, error) {
	if leaves == 0 {
		return nil, errNoLeaves
	}
	t := &Tree{
		leaves: leaves,
		nodes:  make([][]byte, width(leaves)),
		chains: make([]*chain, leaves),
	}
	t.nodes[root(leaves)] = append([]byte(nil), encryptionSecret...)
	return t, nil
}

// Leaves returns the number of leaves in the tree.
func (t *Tree) Leaves() uint32 { return t.leaves }

// NextKey returns the next unused key of sender's chain and consumes it.
func (t *Tree) NextKey(sender uint32) (uint32, MessageKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sender >= t.leaves {
		return 0, MessageKey{}, fmt.Errorf("ratchet: sender %d outside tree of %d leaves", sender, t.leaves)
	}
	c, err := t.leafChain(sender)
	if err != nil {
		return 0, MessageKey{}, err
	}
	mk, next := step(c.key)
	memzero.Zero(c.key)
	c.key = next
	counter := c.next
	c.next++
	return counter, mk, nil
}

// Open decrypts a message from sender at counter. Chain state only advances
// when the ciphertext authenticates, so a forged message cannot burn a key.
func (t *Tree) Open(sender, counter uint32, aad, ciphertext []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sender >= t.leaves {
		return nil, fmt.Errorf("%w: unknown sender %d", domain.ErrAuthFailure, sender)
	}
	c, err := t.leafChain(sender)
	if err != nil {
		return nil, err
	}

	if counter < c.next {
		mk, ok := c.skipped[counter]
		if !ok {
			return nil, fmt.Errorf("%w: sender %d counter %d", domain.ErrReplayDetected, sender, counter)
		}
		pt, err := Decrypt(mk, aad, ciphertext)
		if err != nil {
			return nil, err
		}
		delete(c.skipped, counter)
		mk.wipe()
		return pt, nil
	}

	if counter-c.next > MaxSkip {
		return nil, fmt.Errorf("%w: counter %d is too far ahead of %d", domain.ErrAuthFailure, counter, c.next)
	}

	ck := append([]byte(nil), c.key...)
	skipped := make([]MessageKey, 0, counter-c.next)
	for i := c.next; i < counter; i++ {
		mk, next := step(ck)
		memzero.Zero(ck)
		ck = next
		skipped = append(skipped, mk)
	}
	mk, next := step(ck)
	memzero.Zero(ck)

	pt, err := Decrypt(mk, aad, ciphertext)
	mk.wipe()
	if err != nil {
		memzero.Zero(next)
		for i := range skipped {
			skipped[i].wipe()
		}
		return nil, err
	}

	for i, k := range skipped {
		c.skipped[c.next+uint32(i)] = k
	}
	c.trimSkipped()
	memzero.Zero(c.key)
	c.key = next
	c.next = counter + 1
	return pt, nil
}

// State exports the tree for persistence.
func (t *Tree) State() domain.SecretTreeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := domain.SecretTreeState{
		Leaves: t.leaves,
		Nodes:  make([][]byte, len(t.nodes)),
		Chains: make([]domain.ChainState, len(t.chains)),
	}
	for i, n := range t.nodes {
		if n != nil {
			st.Nodes[i] = append([]byte(nil), n...)
		}
	}
	for i, c := range t.chains {
		if c == nil {
			continue
		}
		cs := domain.ChainState{Key: append([]byte(nil), c.key...), Next: c.next}
		if len(c.skipped) > 0 {
			cs.Skipped = make(map[uint32][]byte, len(c.skipped))
			for n, mk := range c.skipped {
				cs.Skipped[n] = append(append([]byte(nil), mk.Key[:]...), mk.Nonce[:]...)
			}
		}
		st.Chains[i] = cs
	}
	return st
}

// Restore rebuilds a tree from State output.
func Restore(st domain.SecretTreeState) (*Tree, error) {
	if st.Leaves == 0 {
		return nil, errNoLeaves
	}
	if len(st.Nodes) != int(width(st.Leaves)) || len(st.Chains) != int(st.Leaves) {
		return nil, errMalformedState
	}
	t := &Tree{
		leaves: st.Leaves,
		nodes:  make([][]byte, len(st.Nodes)),
		chains: make([]*chain, st.Leaves),
	}
	for i, n := range st.Nodes {
		if n != nil {
			t.nodes[i] = append([]byte(nil), n...)
		}
	}
	for i, cs := range st.Chains {
		if cs.Key == nil {
			continue
		}
		c := &chain{key: append([]byte(nil), cs.Key...), next: cs.Next, skipped: make(map[uint32]MessageKey, len(cs.Skipped))}
		for n, raw := range cs.Skipped {
			if len(raw) != aeadKeySize+nonceSize {
				return nil, errMalformedState
			}
			var mk MessageKey
			copy(mk.Key[:], raw[:aeadKeySize])
			copy(mk.Nonce[:], raw[aeadKeySize:])
			c.skipped[n] = mk
		}
		t.chains[i] = c
	}
	return t, nil
}

// Wipe zeroes every secret held by the tree.
func (t *Tree) Wipe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, n := range t.nodes {
		memzero.Zero(n)
		t.nodes[i] = nil
	}
	for i, c := range t.chains {
		if c == nil {
			continue
		}
		memzero.Zero(c.key)
		for n, mk := range c.skipped {
			mk.wipe()
			delete(c.skipped, n)
		}
		t.chains[i] = nil
	}
}

// DeriveMessageKey computes the key for (sender, counter) in the epoch with
// the given secret and member count, without touching any stored state.
// Counters past MaxSkip are refused.
func DeriveMessageKey(epochSecret []byte, leaves, sender, counter uint32) (MessageKey, error) {
	if sender >= leaves {
		return MessageKey{}, fmt.Errorf("%w: unknown sender %d", domain.ErrAuthFailure, sender)
	}
	if counter > MaxSkip {
		return MessageKey{}, fmt.Errorf("%w: counter %d exceeds %d", domain.ErrAuthFailure, counter, MaxSkip)
	}
	enc := keyschedule.EncryptionSecret(epochSecret)
	defer memzero.Zero(enc)

	t, err := NewTree(enc, leaves)
	if err != nil {
		return MessageKey{}, err
	}
	defer t.Wipe()

	c, err := t.leafChain(sender)
	if err != nil {
		return MessageKey{}, err
	}
	ck := append([]byte(nil), c.key...)
	for i := uint32(0); i < counter; i++ {
		next := keyschedule.Expand(ck, "next", nil, keyschedule.SecretSize)
		memzero.Zero(ck)
		ck = next
	}
	mk, next := step(ck)
	memzero.ZeroAll(ck, next)
	return mk, nil
}

// leafChain returns sender's chain, deriving it from the nearest ancestor
// secret on first use. Every parent secret on the way is wiped.
func (t *Tree) leafChain(leaf uint32) (*chain, error) {
	if c := t.chains[leaf]; c != nil {
		return c, nil
	}

	target := 2 * leaf
	path := t.path(target)
	start := -1
	for j := len(path) - 1; j >= 0; j-- {
		if t.nodes[path[j]] != nil {
			start = j
			break
		}
	}
	if start < 0 {
		return nil, errLeafConsumed
	}

	for j := start; j < len(path)-1; j++ {
		x := path[j]
		l, r := left(x), right(x, t.leaves)
		t.nodes[l] = keyschedule.Expand(t.nodes[x], "tree", []byte("left"), keyschedule.SecretSize)
		t.nodes[r] = keyschedule.Expand(t.nodes[x], "tree", []byte("right"), keyschedule.SecretSize)
		memzero.Zero(t.nodes[x])
		t.nodes[x] = nil
	}

	c := &chain{
		key:     keyschedule.Expand(t.nodes[target], "application", nil, keyschedule.SecretSize),
		skipped: make(map[uint32]MessageKey),
	}
	memzero.Zero(t.nodes[target])
	t.nodes[target] = nil
	t.chains[leaf] = c
	return c, nil
}

// path lists node indices from the root down to target, inclusive.
func (t *Tree) path(target uint32) []uint32 {
	x := root(t.leaves)
	out := []uint32{x}
	for x != target {
		if target < x {
			x = left(x)
		} else {
			x = right(x, t.leaves)
		}
		out = append(out, x)
	}
	return out
}

func (c *chain) trimSkipped() {
	if len(c.skipped) <= MaxSkip {
		return
	}
	counters := make([]uint32, 0, len(c.skipped))
	for n := range c.skipped {
		counters = append(counters, n)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })
	for _, n := range counters[:len(counters)-MaxSkip] {
		mk := c.skipped[n]
		mk.wipe()
		delete(c.skipped, n)
	}
}

// step derives the message key at the head of a chain and the next chain key.
func step(ck []byte) (MessageKey, []byte) {
	var mk MessageKey
	k := keyschedule.Expand(ck, "key", nil, aeadKeySize)
	n := keyschedule.Expand(ck, "nonce", nil, nonceSize)
	copy(mk.Key[:], k)
	copy(mk.Nonce[:], n)
	memzero.ZeroAll(k, n)
	return mk, keyschedule.Expand(ck, "next", nil, keyschedule.SecretSize)
}

// Array tree arithmetic over 2n-1 nodes.

func width(n uint32) uint32 { return 2*n - 1 }

func level(x uint32) uint32 { return uint32(bits.TrailingZeros32(^x)) }

func root(n uint32) uint32 {
	w := width(n)
	return (1 << (31 - bits.LeadingZeros32(w))) - 1
}

func left(x uint32) uint32 {
	k := level(x)
	return x ^ (1 << (k - 1))
}

func right(x, n uint32) uint32 {
	k := level(x)
	r := x ^ (3 << (k - 1))
	for r >= width(n) {
		r = left(r)
	}
	return r
}
