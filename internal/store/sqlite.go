package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;`

// SQLite is a ds.Batching backed by one sqlite table. A batch commits as a
// single SQL transaction.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key.String()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ds.ErrNotFound
	}
	return v, err
}

func (s *SQLite) Has(ctx context.Context, key ds.Key) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM kv WHERE key = ?`, key.String()).Scan(&n)
	return n > 0, err
}

func (s *SQLite) GetSize(ctx context.Context, key ds.Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT length(value) FROM kv WHERE key = ?`, key.String()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, ds.ErrNotFound
	}
	return n, err
}

func (s *SQLite) Put(ctx context.Context, key ds.Key, value []byte) error {
	_, err := s.db.ExecContext(ctx, upsert, key.String(), value)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key ds.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key.String())
	return err
}

// Query loads the rows under q.Prefix with a key range scan and applies the
// rest of q in memory.
func (s *SQLite) Query(ctx context.Context, q query.Query) (query.Results, error) {
	prefix := ds.NewKey(q.Prefix).String()
	lo, hi := prefix+"/", prefix+"0"
	if prefix == "/" {
		lo, hi = "/", "0"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []query.Entry
	for rows.Next() {
		var e query.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		e.Size = len(e.Value)
		if q.KeysOnly {
			e.Value = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return query.NaiveQueryApply(q, query.ResultsWithEntries(q, entries)), nil
}

func (s *SQLite) Sync(context.Context, ds.Key) error { return nil }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Batch(context.Context) (ds.Batch, error) {
	return &sqlBatch{s: s}, nil
}

const upsert = `INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`

type batchOp struct {
	key    string
	value  []byte
	delete bool
}

type sqlBatch struct {
	s   *SQLite
	ops []batchOp
}

func (b *sqlBatch) Put(_ context.Context, key ds.Key, value []byte) error {
	b.ops = append(b.ops, batchOp{key: key.String(), value: append([]byte(nil), value...)})
	return nil
}

func (b *sqlBatch) Delete(_ context.Context, key ds.Key) error {
	b.ops = append(b.ops, batchOp{key: key.String(), delete: true})
	return nil
}

func (b *sqlBatch) Commit(ctx context.Context) error {
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range b.ops {
		if op.delete {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.key)
		} else {
			_, err = tx.ExecContext(ctx, upsert, op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.ops = nil
	return nil
}

var _ ds.Batching = (*SQLite)(nil)
