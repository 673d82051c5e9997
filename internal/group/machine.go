package group

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
	"ciphergroup/internal/protocol/keyschedule"
	"ciphergroup/internal/protocol/ratchet"
	"ciphergroup/internal/util/memzero"
)

// MaxIDLength bounds group ids so every wire field stays representable.
const MaxIDLength = 255

// DefaultRetention is how many past epochs are kept for late messages.
const DefaultRetention = 2

// Machine owns the group state of one local user. Mutations of a group are
// serialised by that group's lock; distinct groups proceed in parallel.
type Machine struct {
	mu     sync.Mutex
	groups map[domain.GroupID]*slot

	retention int
	now       func() time.Time
	log       *slog.Logger
}

type slot struct {
	mu sync.RWMutex
	g  *groupState
}

type groupState struct {
	id      domain.GroupID
	cur     *epochState
	past    []*epochState
	pending []*domain.Proposal
	closed  bool
}

type epochState struct {
	number   uint64
	members  []domain.Member
	secret   []byte
	self     uint32
	leafPriv domain.X25519Private
	tree     *ratchet.Tree
}

// Option configures a Machine.
type Option func(*Machine)

// WithRetention sets how many past epochs stay decryptable.
func WithRetention(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.retention = n
		}
	}
}

// WithClock overrides the time source used for key package expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// NewMachine returns an empty Machine.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		groups:    make(map[domain.GroupID]*slot),
		retention: DefaultRetention,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a single-member group at epoch 0.
func (m *Machine) Create(signer domain.Signer, id domain.GroupID) (domain.Epoch, error) {
	if id == "" || len(id) > MaxIDLength {
		return domain.Epoch{}, fmt.Errorf("%w: group id must be 1..%d bytes", domain.ErrInvalidProposal, MaxIDLength)
	}
	s := m.slotFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil {
		return domain.Epoch{}, fmt.Errorf("%w: group %s", domain.ErrAlreadyExists, id)
	}

	leafPriv, leafPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Epoch{}, err
	}
	secret, err := keyschedule.RandomSecret()
	if err != nil {
		return domain.Epoch{}, err
	}
	members := []domain.Member{{Index: 0, Credential: signer.Credential(), LeafKey: leafPub}}
	es, err := newEpochState(0, members, secret, 0, leafPriv)
	if err != nil {
		return domain.Epoch{}, err
	}
	s.g = &groupState{id: id, cur: es}
	m.log.Debug("group created", "group", id, "user", signer.Credential().UserID)
	return es.view(id), nil
}

// IsGroup reports whether id names a group this machine manages.
func (m *Machine) IsGroup(id domain.GroupID) bool {
	s, err := m.rlock(id)
	if err != nil {
		return false
	}
	s.mu.RUnlock()
	return true
}

// Groups lists the managed group ids in sorted order.
func (m *Machine) Groups() []domain.GroupID {
	m.mu.Lock()
	ids := make([]domain.GroupID, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := ids[:0]
	for _, id := range ids {
		if m.IsGroup(id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Epoch returns the current epoch of a group.
func (m *Machine) Epoch(id domain.GroupID) (domain.Epoch, error) {
	s, err := m.rlock(id)
	if err != nil {
		return domain.Epoch{}, err
	}
	defer s.mu.RUnlock()
	return s.g.cur.view(id), nil
}

// Status reports the lifecycle state of a group.
func (m *Machine) Status(id domain.GroupID) domain.GroupStatus {
	s, err := m.rlock(id)
	if err != nil {
		return domain.StatusUnknown
	}
	defer s.mu.RUnlock()
	if s.g.closed {
		return domain.StatusClosed
	}
	return domain.StatusActive
}

// Close marks a group closed locally; it can no longer send or commit.
func (m *Machine) Close(id domain.GroupID) error {
	s, err := m.lock(id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.g.closed = true
	s.g.pending = nil
	return nil
}

// Delete drops a group and wipes its secrets.
func (m *Machine) Delete(id domain.GroupID) {
	m.mu.Lock()
	s, ok := m.groups[id]
	delete(m.groups, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil {
		s.g.wipe()
		s.g = nil
	}
}

// Snapshot exports a group for persistence.
func (m *Machine) Snapshot(id domain.GroupID) (domain.GroupSnapshot, error) {
	s, err := m.rlock(id)
	if err != nil {
		return domain.GroupSnapshot{}, err
	}
	defer s.mu.RUnlock()
	g := s.g

	snap := domain.GroupSnapshot{
		Head: domain.GroupRecord{
			GroupID: id,
			Epoch:   g.cur.number,
			Status:  domain.StatusActive,
		},
		Current: g.cur.record(id),
	}
	if g.closed {
		snap.Head.Status = domain.StatusClosed
	}
	for _, p := range g.pending {
		raw, err := codec.Encode(p)
		if err != nil {
			return domain.GroupSnapshot{}, err
		}
		snap.Head.Pending = append(snap.Head.Pending, raw)
	}
	for _, es := range g.past {
		snap.Head.Retained = append(snap.Head.Retained, es.number)
		snap.Past = append(snap.Past, es.record(id))
	}
	return snap, nil
}

// Restore loads a persisted group, replacing any in-memory state for it.
func (m *Machine) Restore(snap domain.GroupSnapshot) error {
	id := snap.Head.GroupID
	cur, err := epochFromRecord(snap.Current)
	if err != nil {
		return fmt.Errorf("restore %s epoch %d: %w", id, snap.Current.Epoch, err)
	}
	g := &groupState{id: id, cur: cur, closed: snap.Head.Status == domain.StatusClosed}
	for _, rec := range snap.Past {
		es, err := epochFromRecord(rec)
		if err != nil {
			return fmt.Errorf("restore %s epoch %d: %w", id, rec.Epoch, err)
		}
		g.past = append(g.past, es)
	}
	sort.Slice(g.past, func(i, j int) bool { return g.past[i].number < g.past[j].number })
	for _, raw := range snap.Head.Pending {
		ev, err := codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("restore %s pending proposal: %w", id, err)
		}
		p, ok := ev.(*domain.Proposal)
		if !ok {
			return fmt.Errorf("restore %s: pending entry is a %s", id, ev.Kind())
		}
		g.pending = append(g.pending, p)
	}

	s := m.slotFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil {
		s.g.wipe()
	}
	s.g = g
	return nil
}

func (m *Machine) slotFor(id domain.GroupID) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.groups[id]
	if !ok {
		s = &slot{}
		m.groups[id] = s
	}
	return s
}

func (m *Machine) lookup(id domain.GroupID) (*slot, error) {
	m.mu.Lock()
	s, ok := m.groups[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, id)
	}
	return s, nil
}

// lock returns the group's slot write-locked.
func (m *Machine) lock(id domain.GroupID) (*slot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.g == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, id)
	}
	return s, nil
}

// rlock returns the group's slot read-locked.
func (m *Machine) rlock(id domain.GroupID) (*slot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.g == nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, id)
	}
	return s, nil
}

// selfFor checks that signer is the local member of the current epoch.
func (g *groupState) selfFor(signer domain.Signer) (uint32, error) {
	me := g.cur.members[g.cur.self].Credential
	if signer.Credential() != me {
		return 0, fmt.Errorf("%w: %s is not a member of %s", domain.ErrUnauthorized, signer.Credential().UserID, g.id)
	}
	return g.cur.self, nil
}

// epoch returns the state for number if it is current or retained.
func (g *groupState) epoch(number uint64) *epochState {
	if g.cur.number == number {
		return g.cur
	}
	for _, es := range g.past {
		if es.number == number {
			return es
		}
	}
	return nil
}

// advance makes es current, retaining at most retention past epochs.
func (g *groupState) advance(es *epochState, retention int) {
	g.past = append(g.past, g.cur)
	for len(g.past) > retention {
		g.past[0].wipe()
		g.past = g.past[1:]
	}
	g.cur = es
	g.pending = nil
}

func (g *groupState) wipe() {
	g.cur.wipe()
	for _, es := range g.past {
		es.wipe()
	}
	g.past = nil
	g.pending = nil
}

func newEpochState(number uint64, members []domain.Member, secret []byte, self uint32, leafPriv domain.X25519Private) (*epochState, error) {
	enc := keyschedule.EncryptionSecret(secret)
	defer memzero.Zero(enc)
	tree, err := ratchet.NewTree(enc, uint32(len(members)))
	if err != nil {
		return nil, err
	}
	return &epochState{
		number:   number,
		members:  cloneMembers(members),
		secret:   append([]byte(nil), secret...),
		self:     self,
		leafPriv: leafPriv,
		tree:     tree,
	}, nil
}

func epochFromRecord(rec domain.EpochRecord) (*epochState, error) {
	if len(rec.Members) == 0 || int(rec.Self) >= len(rec.Members) {
		return nil, fmt.Errorf("%w: malformed epoch record", domain.ErrStorage)
	}
	if rec.Tree.Leaves == 0 {
		return newEpochState(rec.Epoch, rec.Members, rec.Secret, rec.Self, rec.LeafPriv)
	}
	tree, err := ratchet.Restore(rec.Tree)
	if err != nil {
		return nil, err
	}
	return &epochState{
		number:   rec.Epoch,
		members:  cloneMembers(rec.Members),
		secret:   append([]byte(nil), rec.Secret...),
		self:     rec.Self,
		leafPriv: rec.LeafPriv,
		tree:     tree,
	}, nil
}

func (es *epochState) record(id domain.GroupID) domain.EpochRecord {
	return domain.EpochRecord{
		GroupID:  id,
		Epoch:    es.number,
		Members:  cloneMembers(es.members),
		Secret:   append([]byte(nil), es.secret...),
		Self:     es.self,
		LeafPriv: es.leafPriv,
		Tree:     es.tree.State(),
	}
}

func (es *epochState) view(id domain.GroupID) domain.Epoch {
	return domain.Epoch{
		GroupID:       id,
		Number:        es.number,
		Members:       cloneMembers(es.members),
		Authenticator: keyschedule.Authenticator(es.secret),
	}
}

func (es *epochState) wipe() {
	memzero.Zero(es.secret)
	memzero.Zero(es.leafPriv[:])
	es.tree.Wipe()
}

func cloneMembers(in []domain.Member) []domain.Member {
	out := make([]domain.Member, len(in))
	copy(out, in)
	return out
}

func indexOf(members []domain.Member, user domain.UserID) int {
	for i, m := range members {
		if m.Credential.UserID == user {
			return i
		}
	}
	return -1
}
