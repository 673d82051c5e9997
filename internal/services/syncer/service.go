package syncer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/group"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
	"ciphergroup/internal/protocol/codec"
)

const (
	// DefaultMaxBuffered bounds the future events held per group.
	DefaultMaxBuffered = 64
	// DefaultParallel bounds the groups synchronised at once.
	DefaultParallel = 4

	seenSize          = 4096
	welcomeCursorMeta = "welcome_cursor"
)

// Membership is the part of the membership service the coordinator drives.
type Membership interface {
	domain.MembershipService
	CommitPending(ctx context.Context, user domain.UserID, id domain.GroupID) (domain.Epoch, error)
	ShouldCommitPending(ctx context.Context, user domain.UserID, id domain.GroupID) bool
}

// Service feeds events from the delivery service into local groups in
// epoch order.
//
// An event for the current epoch is applied at once. One for a later epoch
// waits in the group's buffer until the gap closes; one for an earlier
// epoch is dropped. After every apply the buffer is scanned again, so a
// single missing commit releases everything queued behind it.
type Service struct {
	members     Membership
	groups      *group.Registry
	store       domain.Store
	relay       domain.RelayClient
	maxBuffered int
	parallel    int
	now         func() time.Time
	metrics     *metrics.Metrics
	log         *slog.Logger

	seen *lru.Cache[[32]byte, struct{}]

	mu     sync.Mutex
	states map[string]*groupSync
}

type groupSync struct {
	mu      sync.Mutex
	buffer  []queued
	stalled bool
}

type queued struct {
	ev     domain.Event
	raw    []byte
	cursor uint64
}

type outcome int

const (
	applied outcome = iota
	future
	stale
)

type Option func(*Service)

// WithMaxBuffered sets how many future events a group may hold before it
// stalls.
func WithMaxBuffered(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBuffered = n
		}
	}
}

// WithParallel sets how many groups sync at once.
func WithParallel(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallel = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func New(
	members Membership,
	groups *group.Registry,
	store domain.Store,
	relay domain.RelayClient,
	opts ...Option,
) *Service {
	s := &Service{
		members:     members,
		groups:      groups,
		store:       store,
		relay:       relay,
		maxBuffered: DefaultMaxBuffered,
		parallel:    DefaultParallel,
		now:         time.Now,
		log:         logging.Discard(),
		states:      make(map[string]*groupSync),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	s.seen, _ = lru.New[[32]byte, struct{}](seenSize)
	return s
}

func (s *Service) state(user domain.UserID, id domain.GroupID) *groupSync {
	key := string(user) + "\x00" + string(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.states[key]
	if !ok {
		gs = &groupSync{}
		s.states[key] = gs
	}
	return gs
}

func eventID(user domain.UserID, raw []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write(raw)
	var id [32]byte
	h.Sum(id[:0])
	return id
}

// HandleEvent applies one encoded event for user. Repeated events are
// ignored. Application messages are left to explicit decryption.
func (s *Service) HandleEvent(ctx context.Context, user domain.UserID, raw []byte) error {
	return s.handle(ctx, user, raw, 0)
}

func (s *Service) handle(ctx context.Context, user domain.UserID, raw []byte, cursor uint64) error {
	id := eventID(user, raw)
	if s.seen.Contains(id) {
		return nil
	}
	ev, err := codec.Decode(raw)
	if err != nil {
		s.count("unknown", err)
		return err
	}

	switch e := ev.(type) {
	case *domain.Welcome:
		err = s.welcome(ctx, user, e)
	case *domain.ApplicationMessage:
	case *domain.Proposal, *domain.Commit:
		err = s.ordered(ctx, user, queued{ev: ev, raw: raw, cursor: cursor})
	}
	s.count(ev.Kind().String(), err)
	if err != nil {
		return err
	}
	s.seen.Add(id, struct{}{})
	return nil
}

func (s *Service) count(kind string, err error) {
	result := "ok"
	if err != nil {
		result = domain.KindOf(err).String()
	}
	s.metrics.SyncEventsTotal.WithLabelValues(kind, result).Inc()
}

func (s *Service) welcome(ctx context.Context, user domain.UserID, w *domain.Welcome) error {
	if w.Recipient != user {
		s.log.Debug("welcome for another user", "user", user, "recipient", w.Recipient)
		return nil
	}
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return err
	}
	if ep, err := m.Epoch(w.GroupID); err == nil && m.Status(w.GroupID) != domain.StatusClosed && ep.Number >= w.Epoch {
		s.stale(user, w.GroupID, w.Epoch, ep.Number)
		return nil
	}

	if _, err := s.members.Join(ctx, user, w); err != nil {
		return err
	}
	gs := s.state(user, w.GroupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.stalled = false
	s.drain(ctx, user, w.GroupID, gs)
	return nil
}

// ordered applies, buffers or drops a proposal or commit by its epoch.
func (s *Service) ordered(ctx context.Context, user domain.UserID, q queued) error {
	id := q.ev.Group()
	gs := s.state(user, id)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.stalled {
		return fmt.Errorf("%w: %s", domain.ErrStalled, id)
	}
	res, err := s.try(ctx, user, q)
	if err != nil {
		return err
	}
	switch res {
	case applied:
		s.drain(ctx, user, id, gs)
	case future:
		if len(gs.buffer) >= s.maxBuffered {
			gs.stalled = true
			s.metrics.StalledGroupsTotal.Inc()
			s.log.Warn("group stalled", "user", user, "group", id, "buffered", len(gs.buffer))
			return fmt.Errorf("%w: %s has %d events waiting", domain.ErrStalled, id, len(gs.buffer))
		}
		gs.buffer = append(gs.buffer, q)
		s.log.Debug("event buffered", "user", user, "group", id, "epoch", epochOf(q.ev), "buffered", len(gs.buffer))
	}
	return nil
}

func (s *Service) try(ctx context.Context, user domain.UserID, q queued) (outcome, error) {
	id := q.ev.Group()
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return 0, err
	}
	ep, err := m.Epoch(id)
	if errors.Is(err, domain.ErrUnknownGroup) {
		return future, nil
	}
	if err != nil {
		return 0, err
	}
	n := epochOf(q.ev)
	switch {
	case m.Status(id) == domain.StatusClosed, n < ep.Number:
		s.stale(user, id, n, ep.Number)
		return stale, nil
	case n > ep.Number:
		return future, nil
	}

	switch e := q.ev.(type) {
	case *domain.Commit:
		if _, err := s.members.ApplyCommit(ctx, user, e, q.raw); err != nil {
			return 0, err
		}
	case *domain.Proposal:
		if err := s.members.ApplyProposal(ctx, user, e); err != nil {
			return 0, err
		}
		if s.members.ShouldCommitPending(ctx, user, id) {
			if _, err := s.members.CommitPending(ctx, user, id); err != nil {
				if !domain.IsConflict(err) {
					return 0, err
				}
				s.log.Info("pending commit lost the epoch", "user", user, "group", id)
			}
		}
	}
	return applied, nil
}

// drain applies buffered events until none is for the current epoch.
func (s *Service) drain(ctx context.Context, user domain.UserID, id domain.GroupID, gs *groupSync) {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(gs.buffer); i++ {
			q := gs.buffer[i]
			res, err := s.try(ctx, user, q)
			if err == nil && res == future {
				continue
			}
			gs.buffer = append(gs.buffer[:i], gs.buffer[i+1:]...)
			i--
			if err != nil {
				s.log.Warn("dropping buffered event", "user", user, "group", id, "error", err)
				continue
			}
			if res == applied {
				s.seen.Add(eventID(user, q.raw), struct{}{})
				progress = true
				break
			}
		}
	}
}

func (s *Service) stale(user domain.UserID, id domain.GroupID, event, current uint64) {
	s.metrics.StaleEventsTotal.Inc()
	s.log.Info("discarding stale event", "user", user, "group", id, "event_epoch", event, "epoch", current)
}

func epochOf(ev domain.Event) uint64 {
	switch e := ev.(type) {
	case *domain.Proposal:
		return e.Epoch
	case *domain.Commit:
		return e.Epoch
	case *domain.Welcome:
		return e.Epoch
	case *domain.ApplicationMessage:
		return e.Epoch
	}
	return 0
}

// Sync flushes pending commits, then fetches and applies everything since
// each group's checkpoint. No groups means every local group.
func (s *Service) Sync(ctx context.Context, user domain.UserID, ids []domain.GroupID) error {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = m.Groups()
	}
	cursors := make(map[domain.GroupID]uint64, len(ids))
	for _, id := range ids {
		if err := s.members.FlushOutbox(ctx, user, id); err != nil {
			s.log.Warn("flush outbox", "user", user, "group", id, "error", err)
		}
		cp, err := s.groups.Checkpoint(ctx, user, id)
		if err != nil {
			return err
		}
		cursors[id] = cp.Cursor
	}
	return s.fetch(ctx, user, cursors)
}

// Resync drops the buffered events of group id and replays its whole
// history. A stalled group becomes active again if the replay closes the
// gap.
func (s *Service) Resync(ctx context.Context, user domain.UserID, id domain.GroupID) error {
	gs := s.state(user, id)
	gs.mu.Lock()
	for _, q := range gs.buffer {
		s.seen.Remove(eventID(user, q.raw))
	}
	gs.buffer = nil
	gs.stalled = false
	gs.mu.Unlock()

	if err := s.members.FlushOutbox(ctx, user, id); err != nil {
		s.log.Warn("flush outbox", "user", user, "group", id, "error", err)
	}
	s.log.Info("resync", "user", user, "group", id)
	return s.fetch(ctx, user, map[domain.GroupID]uint64{id: 0})
}

func (s *Service) fetch(ctx context.Context, user domain.UserID, cursors map[domain.GroupID]uint64) error {
	wc, err := s.welcomeCursor(ctx, user)
	if err != nil {
		return err
	}
	inbox, err := s.relay.FetchEvents(ctx, user, cursors, wc)
	if err != nil {
		return err
	}

	joined := map[domain.GroupID]uint64{}
	for _, d := range inbox.Welcomes {
		if err := s.handle(ctx, user, d.Event, 0); err != nil {
			s.log.Warn("welcome rejected", "user", user, "cursor", d.Cursor, "error", err)
			continue
		}
		if ev, err := codec.Decode(d.Event); err == nil {
			if _, known := cursors[ev.Group()]; !known {
				joined[ev.Group()] = 0
			}
		}
	}
	if inbox.WelcomeCursor != wc {
		err := s.store.Update(ctx, func(tx domain.Tx) error {
			return tx.PutMeta(user, welcomeCursorMeta, []byte(strconv.FormatUint(inbox.WelcomeCursor, 10)))
		})
		if err != nil {
			return err
		}
	}
	if len(joined) > 0 {
		more, err := s.relay.FetchEvents(ctx, user, joined, inbox.WelcomeCursor)
		if err != nil {
			return err
		}
		for id, deliveries := range more.Groups {
			inbox.Groups[id] = deliveries
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for id, deliveries := range inbox.Groups {
		g.Go(func() error { return s.syncGroup(gctx, user, id, deliveries) })
	}
	return g.Wait()
}

// syncGroup handles deliveries in cursor order and advances the group's
// checkpoint past everything that no longer needs to be fetched again.
// Events failing validation or authentication are skipped.
func (s *Service) syncGroup(ctx context.Context, user domain.UserID, id domain.GroupID, deliveries []domain.Delivery) error {
	var last uint64
	var failed error
	for _, d := range deliveries {
		if err := s.handle(ctx, user, d.Event, d.Cursor); err != nil {
			switch domain.KindOf(err) {
			case domain.KindValidation, domain.KindCrypto, domain.KindConflict, domain.KindAuthorization:
				s.log.Warn("skipping event", "user", user, "group", id, "cursor", d.Cursor, "error", err)
			default:
				failed = err
			}
		}
		if failed != nil {
			break
		}
		last = d.Cursor
	}

	gs := s.state(user, id)
	gs.mu.Lock()
	for _, q := range gs.buffer {
		if q.cursor > 0 && q.cursor <= last {
			last = q.cursor - 1
		}
	}
	gs.mu.Unlock()

	cp, err := s.groups.Checkpoint(ctx, user, id)
	if err != nil {
		return errors.Join(failed, err)
	}
	if last > cp.Cursor {
		err := s.groups.SetCheckpoint(ctx, user, id, domain.Checkpoint{Cursor: last, SyncedUTC: s.now().Unix()})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return errors.Join(failed, err)
		}
	}
	return failed
}

func (s *Service) welcomeCursor(ctx context.Context, user domain.UserID) (uint64, error) {
	raw, err := s.store.Meta(ctx, user, welcomeCursorMeta)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: welcome cursor: %v", domain.ErrStorage, err)
	}
	return n, nil
}

// Status reports the sync state of group id.
func (s *Service) Status(user domain.UserID, id domain.GroupID) domain.GroupStatus {
	gs := s.state(user, id)
	gs.mu.Lock()
	stalled := gs.stalled
	gs.mu.Unlock()
	if stalled {
		return domain.StatusStalled
	}
	m, err := s.groups.For(context.Background(), user)
	if err != nil {
		return domain.StatusUnknown
	}
	return m.Status(id)
}

var _ domain.SyncService = (*Service)(nil)
