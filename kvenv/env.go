// Package kvenv abstracts the embedded transactional engines (BadgerDB,
// Pebble) behind one environment contract: named sections inside a single
// physical store, read/write transactions with commit and discard, and
// ordered, bounded iteration. Higher layers never import an engine directly.
package kvenv

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Engine names accepted by Open.
const (
	EngineBadger = "badger"
	EnginePebble = "pebble"
)

// Common errors
var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrConflict           = errors.New("transaction conflict")
	ErrTxnReadOnly        = errors.New("transaction is read-only")
	ErrEnvClosed          = errors.New("environment is closed")
	ErrInvalidSectionName = errors.New("invalid section name")
	ErrUnknownEngine      = errors.New("unknown engine")
)

// Env is one physical store directory opened through a specific engine.
type Env interface {
	// OpenSection returns a handle addressing the keys of the named section.
	// Section names are validated; opening the same name twice yields
	// equivalent handles.
	OpenSection(name string) (Section, error)

	// BeginTxn starts a transaction. Read transactions observe a fixed
	// snapshot; write transactions additionally see their own pending
	// writes. Every transaction must end with Commit or Discard.
	BeginTxn(writable bool) (Txn, error)

	// Backup writes an engine-native backup to path (a file for Badger, a
	// checkpoint directory for Pebble).
	Backup(path string) error

	// Path returns the directory the environment was opened at.
	Path() string

	// Engine returns the engine name, EngineBadger or EnginePebble.
	Engine() string

	// Close releases the environment. Transactions must not outlive it.
	Close() error
}

// Txn is a single transaction over an Env.
type Txn interface {
	// Get returns a copy of the value stored at key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores key → value. Fails with ErrTxnReadOnly on read transactions.
	Set(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// NewIterator returns an ordered iterator over the bounds in opts. The
	// iterator must be closed before the transaction ends, and writes must
	// not be issued while an iterator is open.
	NewIterator(opts IterOptions) Iterator

	// Commit makes the transaction's writes durable. Committing a read
	// transaction just releases it. Write conflicts surface as ErrConflict.
	Commit() error

	// Discard aborts the transaction, releasing every resource it holds.
	// Safe to call after Commit.
	Discard()
}

// Iterator walks keys in ascending byte order within its bounds.
type Iterator interface {
	// Rewind positions the iterator at the first key inside the bounds.
	Rewind()
	// Seek positions the iterator at the first key >= key inside the bounds.
	Seek(key []byte)
	// Valid reports whether the iterator points at a key inside the bounds.
	Valid() bool
	// Next advances to the following key.
	Next()
	// Key returns a copy of the current key, safe to retain.
	Key() []byte
	// Value returns a copy of the current value, safe to retain.
	Value() ([]byte, error)
	// Close releases the iterator and reports any deferred iteration error.
	// Closing more than once is allowed and returns the same result.
	Close() error
}

// IterOptions bounds an iterator. When Prefix is set it overrides
// LowerBound/UpperBound with [Prefix, PrefixEnd(Prefix)). A nil UpperBound
// means open-ended. PrefetchValues hints value preloading on engines that
// support it; leave it false for key-only scans.
type IterOptions struct {
	Prefix         []byte
	LowerBound     []byte
	UpperBound     []byte
	PrefetchValues bool
}

// bounds resolves the effective [lower, upper) pair.
func (o IterOptions) bounds() (lower, upper []byte) {
	if o.Prefix != nil {
		return o.Prefix, PrefixEnd(o.Prefix)
	}
	return o.LowerBound, o.UpperBound
}

// Options configures Open.
type Options struct {
	Engine     string // EngineBadger (default) or EnginePebble
	Dir        string
	SyncWrites bool // if true, every commit is synced to disk (slower but safer)
	Logger     *logrus.Logger
}

// Open opens dir through the engine named in opts.
func Open(opts Options) (Env, error) {
	switch opts.Engine {
	case "", EngineBadger:
		return OpenBadger(opts)
	case EnginePebble:
		return OpenPebble(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, opts.Engine)
	}
}

// PrefixEnd returns the exclusive upper bound for a prefix scan. It
// increments the last byte of the prefix; returns nil (open-ended) if every
// byte overflows.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

var sectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Section is a named key range inside an Env. Sections share one physical
// keyspace; the handle prepends "name:" to every key, and the colon is
// excluded from the section charset so no section prefix can shadow another.
type Section struct {
	name   string
	prefix []byte
}

func newSection(name string) (Section, error) {
	if !sectionNameRe.MatchString(name) {
		return Section{}, fmt.Errorf("%w: %q", ErrInvalidSectionName, name)
	}
	return Section{name: name, prefix: []byte(name + ":")}, nil
}

// Name returns the section name.
func (s Section) Name() string {
	return s.name
}

// Key maps a section-relative key to its physical key.
func (s Section) Key(k []byte) []byte {
	key := make([]byte, 0, len(s.prefix)+len(k))
	key = append(key, s.prefix...)
	return append(key, k...)
}

// Prefix returns a copy of the section's physical key prefix.
func (s Section) Prefix() []byte {
	p := make([]byte, len(s.prefix))
	copy(p, s.prefix)
	return p
}

// Trim strips the section prefix from a physical key, reporting whether the
// key belongs to this section.
func (s Section) Trim(physical []byte) ([]byte, bool) {
	if len(physical) < len(s.prefix) {
		return nil, false
	}
	for i, b := range s.prefix {
		if physical[i] != b {
			return nil, false
		}
	}
	return physical[len(s.prefix):], true
}
