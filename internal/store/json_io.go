package store

import (
	"context"
	"encoding/json"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

// getJSON reads key into out.
func getJSON(ctx context.Context, d ds.Read, key ds.Key, out any) error {
	b, err := d.Get(ctx, key)
	if err != nil {
		return wrap(err)
	}
	return wrap(json.Unmarshal(b, out))
}

// putJSON stages v under key.
func putJSON(ctx context.Context, w ds.Write, key ds.Key, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return wrap(err)
	}
	return wrap(w.Put(ctx, key, b))
}

// list returns every entry below prefix in key order.
func list(ctx context.Context, d ds.Read, prefix ds.Key) ([]query.Entry, error) {
	res, err := d.Query(ctx, query.Query{
		Prefix: prefix.String(),
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, wrap(err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, wrap(err)
	}
	return entries, nil
}
