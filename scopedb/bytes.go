package scopedb

import (
	"github.com/scopekv/scopekv/kvenv"
	"github.com/scopekv/scopekv/scope"
)

// BytesStore keeps raw byte keys and raw byte values partitioned by scope,
// with no value transformation at all.
type BytesStore struct {
	c *core
}

// NewBytesStore opens a raw bytes store over the environment in opts.
func NewBytesStore(opts Options) (*BytesStore, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &BytesStore{c: c}, nil
}

var _ EmptinessChecker = (*BytesStore)(nil)

// Name returns the logical store name.
func (s *BytesStore) Name() string {
	return s.c.name
}

// Put stores value under (sc, key). Named scopes must be registered unless
// the store was opened with AutoRegister.
func (s *BytesStore) Put(txn kvenv.Txn, sc scope.Scope, key, value []byte) error {
	return s.c.put(txn, sc, key, value)
}

// Get returns a copy of the value stored under (sc, key), or
// kvenv.ErrKeyNotFound.
func (s *BytesStore) Get(txn kvenv.Txn, sc scope.Scope, key []byte) ([]byte, error) {
	return s.c.get(txn, sc, key)
}

// Delete removes (sc, key); deleting an absent key is not an error.
func (s *BytesStore) Delete(txn kvenv.Txn, sc scope.Scope, key []byte) error {
	return s.c.delete(txn, sc, key)
}

// Clear removes every entry of exactly that scope in this store.
func (s *BytesStore) Clear(txn kvenv.Txn, sc scope.Scope) error {
	return s.c.clear(txn, sc)
}

// Iter walks one scope in physical key order; fn returning false stops
// early. fn must not write through txn while the walk runs.
func (s *BytesStore) Iter(txn kvenv.Txn, sc scope.Scope, fn func(key, value []byte) (bool, error)) error {
	return s.c.iterate(txn, sc, fn)
}

// IterPrefix walks the entries of sc whose key starts with prefix.
func (s *BytesStore) IterPrefix(txn kvenv.Txn, sc scope.Scope, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return s.c.iteratePrefix(txn, sc, prefix, fn)
}

// ScopeEmpty reports whether sc holds no data in this store.
func (s *BytesStore) ScopeEmpty(txn kvenv.Txn, sc scope.Scope) (bool, error) {
	return s.c.scopeEmpty(txn, sc)
}

// FindEmptyScopes prunes every scope this store holds no data for and
// returns how many were removed.
func (s *BytesStore) FindEmptyScopes(txn kvenv.Txn) (int, error) {
	return s.c.findEmptyScopes(txn)
}

// RegisterScope records sc in the environment's registry.
func (s *BytesStore) RegisterScope(txn kvenv.Txn, sc scope.Scope) error {
	_, err := s.c.registry.Register(txn, sc)
	return err
}

// ListScopes returns Default plus every registered scope in insertion order.
func (s *BytesStore) ListScopes(txn kvenv.Txn) ([]scope.Scope, error) {
	return s.c.registry.ListScopes(txn)
}
