package message

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/group"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
	"ciphergroup/internal/protocol/codec"
)

// SentCacheSize is the number of sent plaintexts remembered per group.
const SentCacheSize = 100

// Service encrypts and decrypts application messages of local users.
//
// Ciphertexts cross the API as standard base64 of the encoded event. The
// sender's chain state is persisted before a ciphertext is returned, and a
// receiver's after each successful decryption. A sender cannot open its
// own messages, so it remembers the plaintext of what it sent.
type Service struct {
	groups  *group.Registry
	metrics *metrics.Metrics
	log     *slog.Logger

	mu   sync.Mutex
	sent map[string]*lru.Cache[[32]byte, string]
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func New(groups *group.Registry, opts ...Option) *Service {
	s := &Service{
		groups: groups,
		log:    logging.Discard(),
		sent:   make(map[string]*lru.Cache[[32]byte, string]),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// Encrypt seals plaintext for group id with the next key of user's chain.
func (s *Service) Encrypt(ctx context.Context, user domain.UserID, id domain.GroupID, plaintext string) (string, error) {
	ct, err := s.encrypt(ctx, user, id, plaintext)
	s.count("encrypt", err)
	return ct, err
}

func (s *Service) encrypt(ctx context.Context, user domain.UserID, id domain.GroupID, plaintext string) (string, error) {
	m, err := s.groups.For(ctx, user)
	if err != nil {
		return "", err
	}

	unlock := s.groups.Lock(user, id)
	msg, err := m.Encrypt(id, []byte(plaintext))
	if err != nil {
		unlock()
		return "", err
	}
	err = s.groups.Save(ctx, user, id, nil)
	unlock()
	if err != nil {
		return "", err
	}

	raw, err := codec.Encode(msg)
	if err != nil {
		return "", err
	}
	cache, err := s.cache(user, id)
	if err != nil {
		return "", err
	}
	cache.Add(sha256.Sum256(raw), plaintext)
	return crypto.B64(raw), nil
}

// Decrypt opens a ciphertext that sender produced for group id.
func (s *Service) Decrypt(
	ctx context.Context,
	user domain.UserID,
	id domain.GroupID,
	sender domain.UserID,
	ciphertext string,
) (string, error) {
	pt, err := s.decrypt(ctx, user, id, sender, ciphertext)
	s.count("decrypt", err)
	return pt, err
}

func (s *Service) decrypt(
	ctx context.Context,
	user domain.UserID,
	id domain.GroupID,
	sender domain.UserID,
	ciphertext string,
) (string, error) {
	raw, err := crypto.UnB64(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64: %v", domain.ErrDecode, err)
	}
	if sender == user {
		cache, err := s.cache(user, id)
		if err != nil {
			return "", err
		}
		if pt, ok := cache.Get(sha256.Sum256(raw)); ok {
			return pt, nil
		}
	}

	ev, err := codec.Decode(raw)
	if err != nil {
		return "", err
	}
	msg, ok := ev.(*domain.ApplicationMessage)
	if !ok {
		return "", fmt.Errorf("%w: expected an application message, got a %s", domain.ErrDecode, ev.Kind())
	}
	if msg.GroupID != id {
		return "", fmt.Errorf("%w: message for group %s", domain.ErrAuthFailure, msg.GroupID)
	}

	m, err := s.groups.For(ctx, user)
	if err != nil {
		return "", err
	}
	defer s.groups.Lock(user, id)()
	pt, err := m.Decrypt(id, msg, sender)
	if err != nil {
		return "", err
	}
	if err := s.groups.Save(ctx, user, id, nil); err != nil {
		return "", err
	}
	return string(pt), nil
}

func (s *Service) cache(user domain.UserID, id domain.GroupID) (*lru.Cache[[32]byte, string], error) {
	key := string(user) + "\x00" + string(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sent[key]; ok {
		return c, nil
	}
	c, err := lru.New[[32]byte, string](SentCacheSize)
	if err != nil {
		return nil, err
	}
	s.sent[key] = c
	return c, nil
}

func (s *Service) count(op string, err error) {
	result := "ok"
	if err != nil {
		result = domain.KindOf(err).String()
		s.log.Debug("message "+op+" failed", "error", err)
	}
	s.metrics.MessagesTotal.WithLabelValues(op, result).Inc()
}

var _ domain.MessageService = (*Service)(nil)
