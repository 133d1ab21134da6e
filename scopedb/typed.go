package scopedb

import (
	"encoding/json"
	"fmt"

	"github.com/scopekv/scopekv/kvenv"
	"github.com/scopekv/scopekv/scope"
)

// Store keeps JSON-marshalled keys and values partitioned by scope. The
// marshalled key bytes pass through the same physical layout as the raw
// variants, so scope isolation is byte-for-byte identical across all three.
type Store[K any, V any] struct {
	c *core
}

// NewStore opens a typed store over the environment in opts.
func NewStore[K any, V any](opts Options) (*Store[K, V], error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &Store[K, V]{c: c}, nil
}

var _ EmptinessChecker = (*Store[string, int])(nil)

// Name returns the logical store name.
func (s *Store[K, V]) Name() string {
	return s.c.name
}

// Put stores value under (sc, key). Named scopes must be registered unless
// the store was opened with AutoRegister.
func (s *Store[K, V]) Put(txn kvenv.Txn, sc scope.Scope, key K, value V) error {
	kb, err := s.marshalKey(key)
	if err != nil {
		return err
	}
	vb, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for store %q: %w", s.c.name, err)
	}
	return s.c.put(txn, sc, kb, vb)
}

// Get returns the value stored under (sc, key), or kvenv.ErrKeyNotFound.
func (s *Store[K, V]) Get(txn kvenv.Txn, sc scope.Scope, key K) (V, error) {
	var value V
	kb, err := s.marshalKey(key)
	if err != nil {
		return value, err
	}
	raw, err := s.c.get(txn, sc, kb)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		s.c.metrics.RecordCorruptEntry(s.c.name)
		return value, fmt.Errorf("%w: value in store %q: %v", ErrCorruptEntry, s.c.name, err)
	}
	return value, nil
}

// Delete removes (sc, key); deleting an absent key is not an error.
func (s *Store[K, V]) Delete(txn kvenv.Txn, sc scope.Scope, key K) error {
	kb, err := s.marshalKey(key)
	if err != nil {
		return err
	}
	return s.c.delete(txn, sc, kb)
}

// Clear removes every entry of exactly that scope in this store.
func (s *Store[K, V]) Clear(txn kvenv.Txn, sc scope.Scope) error {
	return s.c.clear(txn, sc)
}

// Iter walks one scope in physical key order, decoding each entry; fn
// returning false stops early. fn must not write through txn while the walk
// runs.
func (s *Store[K, V]) Iter(txn kvenv.Txn, sc scope.Scope, fn func(key K, value V) (bool, error)) error {
	return s.c.iterate(txn, sc, func(kb, vb []byte) (bool, error) {
		var key K
		if err := json.Unmarshal(kb, &key); err != nil {
			s.c.metrics.RecordCorruptEntry(s.c.name)
			return false, fmt.Errorf("%w: key in store %q: %v", ErrCorruptEntry, s.c.name, err)
		}
		var value V
		if err := json.Unmarshal(vb, &value); err != nil {
			s.c.metrics.RecordCorruptEntry(s.c.name)
			return false, fmt.Errorf("%w: value in store %q: %v", ErrCorruptEntry, s.c.name, err)
		}
		return fn(key, value)
	})
}

// ScopeEmpty reports whether sc holds no data in this store.
func (s *Store[K, V]) ScopeEmpty(txn kvenv.Txn, sc scope.Scope) (bool, error) {
	return s.c.scopeEmpty(txn, sc)
}

// FindEmptyScopes prunes every scope this store holds no data for, using
// this store as the only emptiness authority, and returns how many were
// removed.
func (s *Store[K, V]) FindEmptyScopes(txn kvenv.Txn) (int, error) {
	return s.c.findEmptyScopes(txn)
}

// RegisterScope records sc in the environment's registry.
func (s *Store[K, V]) RegisterScope(txn kvenv.Txn, sc scope.Scope) error {
	_, err := s.c.registry.Register(txn, sc)
	return err
}

// ListScopes returns Default plus every registered scope in insertion order.
func (s *Store[K, V]) ListScopes(txn kvenv.Txn) ([]scope.Scope, error) {
	return s.c.registry.ListScopes(txn)
}

func (s *Store[K, V]) marshalKey(key K) ([]byte, error) {
	kb, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key for store %q: %w", s.c.name, err)
	}
	return kb, nil
}
