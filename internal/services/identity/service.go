package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/services/prekey"
	"ciphergroup/internal/util/memzero"
)

// DefaultPoolSize is the number of pre-keys kept on hand per user.
const DefaultPoolSize = 10

// Service owns each local user's credential and one-time pre-keys.
//
// Calls for the same user are serialised; different users proceed in
// parallel.
type Service struct {
	store    domain.Store
	gen      *prekey.Generator
	pool     int
	lowWater int
	log      *slog.Logger

	mu    sync.Mutex
	locks map[domain.UserID]*sync.Mutex
}

type Option func(*Service)

// WithPoolSize sets how many pre-keys are kept. The pool is refilled once
// it falls to half that size.
func WithPoolSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pool = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// New returns an identity service backed by store.
func New(store domain.Store, gen *prekey.Generator, opts ...Option) *Service {
	s := &Service{
		store: store,
		gen:   gen,
		pool:  DefaultPoolSize,
		log:   logging.Discard(),
		locks: make(map[domain.UserID]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	s.lowWater = max(1, s.pool/2)
	return s
}

func (s *Service) lock(user domain.UserID) func() {
	s.mu.Lock()
	l, ok := s.locks[user]
	if !ok {
		l = &sync.Mutex{}
		s.locks[user] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateIdentity generates a credential and an initial pool of pre-keys.
func (s *Service) CreateIdentity(ctx context.Context, user domain.UserID) (domain.Credential, error) {
	if user == "" {
		return domain.Credential{}, fmt.Errorf("%w: empty user id", domain.ErrUnauthorized)
	}
	defer s.lock(user)()

	if _, err := s.store.LoadUser(ctx, user); err == nil {
		return domain.Credential{}, fmt.Errorf("%w: user %s", domain.ErrAlreadyExists, user)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Credential{}, err
	}

	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Credential{}, err
	}
	pairs, err := s.gen.Generate(s.pool)
	if err != nil {
		return domain.Credential{}, err
	}
	rec := domain.UserRecord{
		Identity: domain.Identity{
			Credential:     domain.Credential{UserID: user, SigningKey: pub},
			SigningPrivate: priv,
			CreatedUTC:     s.gen.Now().Unix(),
		},
		PreKeys: pairs,
	}
	if err := s.store.Update(ctx, func(tx domain.Tx) error { return tx.PutUser(rec) }); err != nil {
		return domain.Credential{}, err
	}
	s.log.Info("identity created", "user", user, "pre_keys", len(pairs))
	return rec.Identity.Credential, nil
}

// IssuePreKeyBundle drops expired pre-keys, tops the pool up and returns
// the signed key packages for every remaining pre-key.
func (s *Service) IssuePreKeyBundle(ctx context.Context, user domain.UserID) (domain.PreKeyBundle, error) {
	defer s.lock(user)()

	rec, err := s.store.LoadUser(ctx, user)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	before := len(rec.PreKeys)
	rec.PreKeys = s.gen.Live(rec.PreKeys)
	changed := len(rec.PreKeys) != before
	if len(rec.PreKeys) < s.pool {
		fresh, err := s.gen.Generate(s.pool - len(rec.PreKeys))
		if err != nil {
			return domain.PreKeyBundle{}, err
		}
		rec.PreKeys = append(rec.PreKeys, fresh...)
		changed = true
	}
	if changed {
		if err := s.store.Update(ctx, func(tx domain.Tx) error { return tx.PutUser(rec) }); err != nil {
			return domain.PreKeyBundle{}, err
		}
	}
	return s.gen.Bundle(signingKey(rec), rec.PreKeys)
}

// SigningKeyFor returns a copy of user's signing key.
func (s *Service) SigningKeyFor(ctx context.Context, user domain.UserID) (domain.SigningKey, error) {
	rec, err := s.store.LoadUser(ctx, user)
	if err != nil {
		return domain.SigningKey{}, err
	}
	return signingKey(rec), nil
}

func (s *Service) Credential(ctx context.Context, user domain.UserID) (domain.Credential, error) {
	rec, err := s.store.LoadUser(ctx, user)
	if err != nil {
		return domain.Credential{}, err
	}
	return rec.Identity.Credential, nil
}

// Fingerprint returns a short fingerprint of user's signing key.
func (s *Service) Fingerprint(ctx context.Context, user domain.UserID) (domain.Fingerprint, error) {
	cred, err := s.Credential(ctx, user)
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(cred.SigningKey.Slice()), nil
}

// ConsumePreKey runs fn with the private half of pre-key id and removes it
// in the same store transaction. If fn fails the pre-key is kept.
func (s *Service) ConsumePreKey(
	ctx context.Context,
	user domain.UserID,
	id domain.KeyPackageID,
	fn func(priv domain.X25519Private, tx domain.Tx) error,
) error {
	defer s.lock(user)()

	rec, err := s.store.LoadUser(ctx, user)
	if err != nil {
		return err
	}
	i := -1
	for j, p := range rec.PreKeys {
		if p.ID == id {
			i = j
			break
		}
	}
	if i < 0 {
		return fmt.Errorf("%w: pre-key %s", domain.ErrNotFound, id)
	}
	priv := rec.PreKeys[i].Private
	defer memzero.Zero(priv[:])
	rec.PreKeys = append(rec.PreKeys[:i], rec.PreKeys[i+1:]...)

	if len(rec.PreKeys) < s.lowWater {
		fresh, err := s.gen.Generate(s.pool - len(rec.PreKeys))
		if err != nil {
			return err
		}
		rec.PreKeys = append(rec.PreKeys, fresh...)
		s.log.Debug("pre-key pool replenished", "user", user, "added", len(fresh))
	}

	return s.store.Update(ctx, func(tx domain.Tx) error {
		if err := fn(priv, tx); err != nil {
			return err
		}
		return tx.PutUser(rec)
	})
}

func signingKey(rec domain.UserRecord) domain.SigningKey {
	return domain.SigningKey{Cred: rec.Identity.Credential, Private: rec.Identity.SigningPrivate}
}

var (
	_ domain.IdentityService = (*Service)(nil)
	_ domain.KeyResolver     = (*Service)(nil)
)
