package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"ciphergroup/internal/util/memzero"
)

const (
	// The current supported version of the sealing parameters.
	envelopeFormatVersion = 1
)

var (
	// Returned when the passphrase is incorrect or a value has been modified.
	errWrongPassphrase = errors.New("wrong passphrase or corrupted store")

	paramsKey = ds.NewKey("/sealed/params")
)

// envelopeParams is stored in the clear next to the data it protects.
type envelopeParams struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt"`
	N     int    `json:"scrypt_N"`
	R     int    `json:"scrypt_r"`
	P     int    `json:"scrypt_p"`
	Check []byte `json:"check"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// Sealed encrypts every value of an inner datastore with a key derived from
// a passphrase. Keys stay in the clear and are bound to their values as
// associated data, so a value cannot be moved to another key.
type Sealed struct {
	inner ds.Batching
	key   []byte
}

// NewSealed opens inner with passphrase, creating the sealing parameters on
// first use. A wrong passphrase fails here rather than on first read.
func NewSealed(ctx context.Context, inner ds.Batching, passphrase string) (*Sealed, error) {
	var params envelopeParams
	raw, err := inner.Get(ctx, paramsKey)
	switch {
	case errors.Is(err, ds.ErrNotFound):
		return createSealed(ctx, inner, passphrase)
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params.V > envelopeFormatVersion {
		return nil, fmt.Errorf("unsupported store envelope version %d", params.V)
	}
	key, err := scrypt.Key([]byte(passphrase), params.Salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	s := &Sealed{inner: inner, key: key}
	if _, err := s.open(paramsKey, params.Check); err != nil {
		memzero.Zero(key)
		return nil, err
	}
	return s, nil
}

func createSealed(ctx context.Context, inner ds.Batching, passphrase string) (*Sealed, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	N, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	s := &Sealed{inner: inner, key: key}
	check, err := s.seal(paramsKey, []byte("ciphergroup"))
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelopeParams{V: envelopeFormatVersion, Salt: salt[:], N: N, R: r, P: p, Check: check})
	if err != nil {
		return nil, err
	}
	if err := inner.Put(ctx, paramsKey, raw); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sealed) seal(key ds.Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(key.String())), nil
}

func (s *Sealed) open(key ds.Key, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, errWrongPassphrase
	}
	pt, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], []byte(key.String()))
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}

func (s *Sealed) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.open(key, blob)
}

func (s *Sealed) Has(ctx context.Context, key ds.Key) (bool, error) {
	return s.inner.Has(ctx, key)
}

func (s *Sealed) GetSize(ctx context.Context, key ds.Key) (int, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return -1, err
	}
	return len(v), nil
}

func (s *Sealed) Put(ctx context.Context, key ds.Key, value []byte) error {
	blob, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, key, blob)
}

func (s *Sealed) Delete(ctx context.Context, key ds.Key) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Query(ctx context.Context, q query.Query) (query.Results, error) {
	inner := q
	inner.Filters, inner.Orders, inner.Offset, inner.Limit = nil, nil, 0, 0
	res, err := s.inner.Query(ctx, inner)
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		key := ds.RawKey(e.Key)
		if key.Equal(paramsKey) {
			continue
		}
		if !q.KeysOnly {
			if e.Value, err = s.open(key, e.Value); err != nil {
				return nil, err
			}
			e.Size = len(e.Value)
		}
		out = append(out, e)
	}
	return query.NaiveQueryApply(q, query.ResultsWithEntries(q, out)), nil
}

func (s *Sealed) Sync(ctx context.Context, prefix ds.Key) error {
	return s.inner.Sync(ctx, prefix)
}

// Close wipes the derived key and closes the inner datastore.
func (s *Sealed) Close() error {
	memzero.Zero(s.key)
	return s.inner.Close()
}

func (s *Sealed) Batch(ctx context.Context) (ds.Batch, error) {
	b, err := s.inner.Batch(ctx)
	if err != nil {
		return nil, err
	}
	return &sealedBatch{s: s, b: b}, nil
}

type sealedBatch struct {
	s *Sealed
	b ds.Batch
}

func (b *sealedBatch) Put(ctx context.Context, key ds.Key, value []byte) error {
	blob, err := b.s.seal(key, value)
	if err != nil {
		return err
	}
	return b.b.Put(ctx, key, blob)
}

func (b *sealedBatch) Delete(ctx context.Context, key ds.Key) error {
	return b.b.Delete(ctx, key)
}

func (b *sealedBatch) Commit(ctx context.Context) error {
	return b.b.Commit(ctx)
}

var _ ds.Batching = (*Sealed)(nil)
