package store_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/stretchr/testify/require"

	"ciphergroup/internal/store"
)

func TestSealedValuesAreOpaque(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	db, err := store.OpenSQLite(path)
	require.NoError(t, err)
	sealed, err := store.NewSealed(ctx, db, "correct")
	require.NoError(t, err)

	key := ds.NewKey("/users/x/identity")
	secret := []byte("very secret value")
	require.NoError(t, sealed.Put(ctx, key, secret))

	raw, err := db.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, secret))

	got, err := sealed.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	res, err := sealed.Query(ctx, query.Query{Prefix: "/users"})
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, secret, entries[0].Value)

	// A value copied to another key no longer opens.
	require.NoError(t, db.Put(ctx, ds.NewKey("/users/y/identity"), raw))
	_, err = sealed.Get(ctx, ds.NewKey("/users/y/identity"))
	require.Error(t, err)
	require.NoError(t, sealed.Close())

	db, err = store.OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	_, err = store.NewSealed(ctx, db, "wrong")
	require.Error(t, err)

	reopened, err := store.NewSealed(ctx, db, "correct")
	require.NoError(t, err)
	got, err = reopened.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

func TestSQLiteQueryPrefix(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"/a/1", "/a/2", "/ab/1", "/b/1"} {
		require.NoError(t, db.Put(ctx, ds.NewKey(k), []byte(k)))
	}
	res, err := db.Query(ctx, query.Query{Prefix: "/a"})
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "/a/1", entries[0].Key)
	require.Equal(t, "/a/2", entries[1].Key)

	ok, err := db.Has(ctx, ds.NewKey("/b/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.Delete(ctx, ds.NewKey("/b/1")))
	_, err = db.Get(ctx, ds.NewKey("/b/1"))
	require.ErrorIs(t, err, ds.ErrNotFound)
}
