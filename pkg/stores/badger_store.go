package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerConfig holds embedded key-value store configuration.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory; nothing survives Close.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// ConflictRetries bounds how often a conflicting read-write transaction is re-run.
	ConflictRetries int
}

// BadgerStore implements Store on top of badger. Keys are the resource kind,
// a separator and the 16 id bytes.
type BadgerStore struct {
	db      *badger.DB
	retries int
}

// badgerRecord is the stored envelope of a value and its relations.
type badgerRecord struct {
	Value     []byte              `cbor:"1,keyasint"`
	Relations map[string][]string `cbor:"2,keyasint,omitempty"`
}

// NewBadgerStore opens a badger database.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerStore{db: db, retries: cfg.ConflictRetries}, nil
}

// View runs fn inside a read-only badger transaction.
func (s *BadgerStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// Update runs fn inside a read-write badger transaction, re-running it on
// serialization conflicts.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn, writable: true})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return wrapCommitError(err)
		}

		select {
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return persistenceError("commit transaction", "", uuid.Nil, err)
}

func wrapCommitError(err error) error {
	if err == nil {
		return nil
	}
	// Errors raised by the closure are returned unchanged.
	if errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, badger.ErrDBClosed) {
		return persistenceError("commit transaction", "", uuid.Nil, err)
	}
	return err
}

// HealthCheck verifies the database is open.
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("database is closed")
	}
	return s.View(ctx, func(Tx) error { return nil })
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		return s.db.Close()
	}
	return nil
}

type badgerTx struct {
	txn      *badger.Txn
	writable bool
}

func badgerPrefix(kind string) []byte {
	return append([]byte(kind), '/')
}

func badgerKey(kind string, id uuid.UUID) []byte {
	return append(badgerPrefix(kind), id[:]...)
}

func (t *badgerTx) Writable() bool { return t.writable }

func (t *badgerTx) load(kind string, id uuid.UUID) (*badgerRecord, error) {
	item, err := t.txn.Get(badgerKey(kind, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("read", kind, id, err)
	}

	var record badgerRecord
	err = item.Value(func(val []byte) error {
		return decMode.Unmarshal(val, &record)
	})
	if err != nil {
		return nil, persistenceError("decode", kind, id, err)
	}
	return &record, nil
}

func (t *badgerTx) Get(kind string, id uuid.UUID) ([]byte, error) {
	record, err := t.load(kind, id)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Value, nil
}

func (t *badgerTx) Put(kind string, id uuid.UUID, value []byte, relations map[string][]string) error {
	if !t.writable {
		return persistenceError("write", kind, id, ErrReadOnly)
	}

	data, err := encMode.Marshal(badgerRecord{Value: value, Relations: relations})
	if err != nil {
		return persistenceError("encode", kind, id, err)
	}
	if err := t.txn.Set(badgerKey(kind, id), data); err != nil {
		return persistenceError("write", kind, id, err)
	}
	return nil
}

func (t *badgerTx) Delete(kind string, id uuid.UUID) error {
	if !t.writable {
		return persistenceError("delete", kind, id, ErrReadOnly)
	}
	if err := t.txn.Delete(badgerKey(kind, id)); err != nil {
		return persistenceError("delete", kind, id, err)
	}
	return nil
}

func (t *badgerTx) scan(kind string, visit func(id uuid.UUID, record *badgerRecord)) error {
	prefix := badgerPrefix(kind)

	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.Key()
		id, err := uuid.FromBytes(bytes.TrimPrefix(key, prefix))
		if err != nil {
			return persistenceError("read key", kind, uuid.Nil, err)
		}

		var record badgerRecord
		err = item.Value(func(val []byte) error {
			return decMode.Unmarshal(val, &record)
		})
		if err != nil {
			return persistenceError("decode", kind, id, err)
		}
		visit(id, &record)
	}
	return nil
}

func (t *badgerTx) List(kind string) ([]Record, error) {
	var records []Record
	err := t.scan(kind, func(id uuid.UUID, record *badgerRecord) {
		records = append(records, Record{ID: id, Value: record.Value})
	})
	return records, err
}

func (t *badgerTx) Referencing(kind, relation, target string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := t.scan(kind, func(id uuid.UUID, record *badgerRecord) {
		for _, candidate := range record.Relations[relation] {
			if candidate == target {
				ids = append(ids, id)
				return
			}
		}
	})
	return ids, err
}
