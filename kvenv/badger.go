package kvenv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// badgerEnv implements Env on BadgerDB.
type badgerEnv struct {
	db     *badger.DB
	dir    string
	logger *logrus.Logger
	ready  atomic.Bool
	stopGC chan struct{}
}

var _ Env = (*badgerEnv)(nil)

// OpenBadger opens dir through BadgerDB.
func OpenBadger(opts Options) (Env, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(64 << 20). // 64MB index cache
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger env: %w", err)
	}

	env := &badgerEnv{
		db:     db,
		dir:    opts.Dir,
		logger: opts.Logger,
		stopGC: make(chan struct{}),
	}
	env.ready.Store(true)

	go env.runGC()

	opts.Logger.WithFields(logrus.Fields{
		"path":   opts.Dir,
		"engine": EngineBadger,
	}).Info("Environment opened")

	return env, nil
}

func (e *badgerEnv) OpenSection(name string) (Section, error) {
	return newSection(name)
}

func (e *badgerEnv) BeginTxn(writable bool) (Txn, error) {
	if !e.ready.Load() {
		return nil, ErrEnvClosed
	}
	return &badgerTxn{txn: e.db.NewTransaction(writable), writable: writable}, nil
}

// Backup streams a full BadgerDB backup into a file at path.
func (e *badgerEnv) Backup(path string) error {
	file, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}

	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := e.db.Backup(f, 0); err != nil {
		return fmt.Errorf("badger backup: %w", err)
	}

	e.logger.WithField("path", file).Info("Backup written")
	return nil
}

func (e *badgerEnv) Path() string {
	return e.dir
}

func (e *badgerEnv) Engine() string {
	return EngineBadger
}

func (e *badgerEnv) Close() error {
	if !e.ready.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopGC)
	e.logger.Debug("Closing badger environment")
	return e.db.Close()
}

// runGC reclaims value-log space periodically until Close.
func (e *badgerEnv) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopGC:
			return
		case <-ticker.C:
			err := e.db.RunValueLogGC(0.5)
			if err != nil && err != badger.ErrNoRewrite {
				e.logger.WithError(err).Warn("Failed to run value log GC")
			}
		}
	}
}

// badgerTxn adapts *badger.Txn to the Txn interface.
type badgerTxn struct {
	txn      *badger.Txn
	writable bool
}

var _ Txn = (*badgerTxn)(nil)

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key, value []byte) error {
	if !t.writable {
		return ErrTxnReadOnly
	}
	if err := t.txn.Set(key, value); err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (t *badgerTxn) Delete(key []byte) error {
	if !t.writable {
		return ErrTxnReadOnly
	}
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (t *badgerTxn) NewIterator(opts IterOptions) Iterator {
	lower, upper := opts.bounds()

	bopts := badger.DefaultIteratorOptions
	bopts.PrefetchValues = opts.PrefetchValues
	if opts.Prefix != nil {
		bopts.Prefix = opts.Prefix
	}

	return &badgerIterator{it: t.txn.NewIterator(bopts), lower: lower, upper: upper}
}

func (t *badgerTxn) Commit() error {
	if !t.writable {
		t.txn.Discard()
		return nil
	}
	if err := t.txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

func (t *badgerTxn) Discard() {
	t.txn.Discard()
}

// badgerIterator enforces the upper bound that badger iterators lack.
type badgerIterator struct {
	it    *badger.Iterator
	lower []byte
	upper []byte
}

func (it *badgerIterator) Rewind() {
	if it.lower != nil {
		it.it.Seek(it.lower)
	} else {
		it.it.Rewind()
	}
}

func (it *badgerIterator) Seek(key []byte) {
	if it.lower != nil && bytes.Compare(key, it.lower) < 0 {
		key = it.lower
	}
	it.it.Seek(key)
}

func (it *badgerIterator) Valid() bool {
	if !it.it.Valid() {
		return false
	}
	if it.upper != nil && bytes.Compare(it.it.Item().Key(), it.upper) >= 0 {
		return false
	}
	return true
}

func (it *badgerIterator) Next() {
	it.it.Next()
}

func (it *badgerIterator) Key() []byte {
	return it.it.Item().KeyCopy(nil)
}

func (it *badgerIterator) Value() ([]byte, error) {
	return it.it.Item().ValueCopy(nil)
}

func (it *badgerIterator) Close() error {
	if it.it == nil {
		return nil
	}
	it.it.Close()
	it.it = nil
	return nil
}

// badgerLogger adapts logrus to BadgerDB's logger interface, demoting engine
// chatter below the application's own log levels.
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Badger] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[Badger] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Badger] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[Badger] "+format, args...)
}
