package kvenv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
)

// pebbleEnv implements Env on Pebble. Pebble has no transactions of its own:
// read transactions map to snapshots and write transactions to indexed
// batches, serialized by a writer mutex so at most one write transaction is
// open at a time (the discipline LMDB-style callers already assume).
type pebbleEnv struct {
	db      *pebble.DB
	dir     string
	logger  *logrus.Logger
	sync    *pebble.WriteOptions
	writeMu sync.Mutex
	ready   atomic.Bool
}

var _ Env = (*pebbleEnv)(nil)

// OpenPebble opens dir through Pebble.
func OpenPebble(opts Options) (Env, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create environment directory: %w", err)
	}

	cache := pebble.NewCache(128 << 20) // 128MB block cache
	defer cache.Unref()

	db, err := pebble.Open(opts.Dir, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: opts.Logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble env: %w", err)
	}

	env := &pebbleEnv{
		db:     db,
		dir:    opts.Dir,
		logger: opts.Logger,
		sync:   pebble.NoSync,
	}
	if opts.SyncWrites {
		env.sync = pebble.Sync
	}
	env.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"path":   opts.Dir,
		"engine": EnginePebble,
	}).Info("Environment opened")

	return env, nil
}

func (e *pebbleEnv) OpenSection(name string) (Section, error) {
	return newSection(name)
}

func (e *pebbleEnv) BeginTxn(writable bool) (Txn, error) {
	if !e.ready.Load() {
		return nil, ErrEnvClosed
	}
	if writable {
		e.writeMu.Lock()
		return &pebbleTxn{env: e, batch: e.db.NewIndexedBatch(), writable: true}, nil
	}
	return &pebbleTxn{env: e, snap: e.db.NewSnapshot()}, nil
}

// Backup writes a consistent Pebble checkpoint into the directory at path.
func (e *pebbleEnv) Backup(path string) error {
	if err := e.db.Checkpoint(path); err != nil {
		return fmt.Errorf("pebble checkpoint: %w", err)
	}
	e.logger.WithField("path", path).Info("Backup written")
	return nil
}

func (e *pebbleEnv) Path() string {
	return e.dir
}

func (e *pebbleEnv) Engine() string {
	return EnginePebble
}

func (e *pebbleEnv) Close() error {
	if !e.ready.CompareAndSwap(true, false) {
		return nil
	}
	e.logger.Debug("Closing pebble environment")
	return e.db.Close()
}

// pebbleTxn adapts a snapshot (reads) or an indexed batch (writes) to Txn.
type pebbleTxn struct {
	env      *pebbleEnv
	batch    *pebble.Batch
	snap     *pebble.Snapshot
	writable bool
	done     bool
}

var _ Txn = (*pebbleTxn)(nil)

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	var (
		val    []byte
		closer io.Closer
		err    error
	)
	if t.writable {
		val, closer, err = t.batch.Get(key)
	} else {
		val, closer, err = t.snap.Get(key)
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}

	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

func (t *pebbleTxn) Set(key, value []byte) error {
	if !t.writable {
		return ErrTxnReadOnly
	}
	if err := t.batch.Set(key, value, nil); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (t *pebbleTxn) Delete(key []byte) error {
	if !t.writable {
		return ErrTxnReadOnly
	}
	if err := t.batch.Delete(key, nil); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (t *pebbleTxn) NewIterator(opts IterOptions) Iterator {
	lower, upper := opts.bounds()
	popts := &pebble.IterOptions{LowerBound: lower, UpperBound: upper}

	var (
		iter *pebble.Iterator
		err  error
	)
	if t.writable {
		iter, err = t.batch.NewIter(popts)
	} else {
		iter, err = t.snap.NewIter(popts)
	}
	if err != nil {
		return &pebbleIterator{err: fmt.Errorf("pebble iterator: %w", err)}
	}
	return &pebbleIterator{iter: iter}
}

func (t *pebbleTxn) Commit() error {
	if t.done {
		return nil
	}
	if !t.writable {
		t.Discard()
		return nil
	}

	t.done = true
	err := t.batch.Commit(t.env.sync)
	closeErr := t.batch.Close()
	t.env.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("pebble batch close: %w", closeErr)
	}
	return nil
}

func (t *pebbleTxn) Discard() {
	if t.done {
		return
	}
	t.done = true
	if t.writable {
		_ = t.batch.Close()
		t.env.writeMu.Unlock()
	} else {
		_ = t.snap.Close()
	}
}

// pebbleIterator wraps *pebble.Iterator; bounds are enforced natively. A
// construction error parks the iterator in the invalid state and surfaces
// from Close.
type pebbleIterator struct {
	iter *pebble.Iterator
	err  error
}

func (it *pebbleIterator) Rewind() {
	if it.iter != nil {
		it.iter.First()
	}
}

func (it *pebbleIterator) Seek(key []byte) {
	if it.iter != nil {
		it.iter.SeekGE(key)
	}
}

func (it *pebbleIterator) Valid() bool {
	return it.iter != nil && it.iter.Valid()
}

func (it *pebbleIterator) Next() {
	if it.iter != nil {
		it.iter.Next()
	}
}

func (it *pebbleIterator) Key() []byte {
	k := it.iter.Key()
	key := make([]byte, len(k))
	copy(key, k)
	return key
}

func (it *pebbleIterator) Value() ([]byte, error) {
	v := it.iter.Value()
	val := make([]byte, len(v))
	copy(val, v)
	return val, nil
}

func (it *pebbleIterator) Close() error {
	if it.iter == nil {
		return it.err
	}
	iterErr := it.iter.Error()
	closeErr := it.iter.Close()
	it.iter = nil
	if iterErr != nil {
		it.err = fmt.Errorf("pebble iteration: %w", iterErr)
	} else if closeErr != nil {
		it.err = fmt.Errorf("pebble iterator close: %w", closeErr)
	}
	return it.err
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}
