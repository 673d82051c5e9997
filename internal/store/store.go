package store

import (
	"context"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"

	"ciphergroup/internal/domain"
)

// Store keeps the client's partitions in a go-datastore. Every value is a
// JSON document; a Tx is a datastore batch, so its writes land together.
type Store struct {
	ds ds.Batching
}

// New returns a Store over d.
func New(d ds.Batching) *Store {
	return &Store{ds: d}
}

// Open opens the sqlite database at path and seals it with passphrase.
func Open(ctx context.Context, path, passphrase string) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, wrap(err)
	}
	sealed, err := NewSealed(ctx, db, passphrase)
	if err != nil {
		db.Close()
		return nil, wrap(err)
	}
	return New(sealed), nil
}

// Close releases the underlying datastore.
func (s *Store) Close() error {
	return s.ds.Close()
}

// Update runs fn against a fresh batch and commits it if fn returns nil.
// Nothing fn wrote is visible if it fails.
func (s *Store) Update(ctx context.Context, fn func(tx domain.Tx) error) error {
	b, err := s.ds.Batch(ctx)
	if err != nil {
		return wrap(err)
	}
	t := &tx{ctx: ctx, b: b}
	if err := fn(t); err != nil {
		return err
	}
	if err := b.Commit(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

// Meta returns a named per-user value.
func (s *Store) Meta(ctx context.Context, user domain.UserID, name string) ([]byte, error) {
	v, err := s.ds.Get(ctx, metaKey(user, name))
	if err != nil {
		return nil, wrap(err)
	}
	return v, nil
}

type tx struct {
	ctx context.Context
	b   ds.Batch
}

func (t *tx) PutMeta(user domain.UserID, name string, value []byte) error {
	return wrap(t.b.Put(t.ctx, metaKey(user, name), value))
}

// wrap maps datastore errors onto the domain errors.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ds.ErrNotFound):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case errors.Is(err, domain.ErrStorage), errors.Is(err, domain.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*tx)(nil)
)
