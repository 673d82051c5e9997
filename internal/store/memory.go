package store

import (
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// NewMemory returns a Store that lives only in memory.
func NewMemory() *Store {
	return New(dssync.MutexWrap(ds.NewMapDatastore()))
}
