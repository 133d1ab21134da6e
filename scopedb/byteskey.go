package scopedb

import (
	"encoding/json"
	"fmt"

	"github.com/scopekv/scopekv/kvenv"
	"github.com/scopekv/scopekv/scope"
)

// BytesKeyStore keeps raw byte keys and JSON-marshalled values partitioned
// by scope. Keys skip serialization entirely, which also makes decoded-key
// prefix iteration meaningful.
type BytesKeyStore[V any] struct {
	c *core
}

// NewBytesKeyStore opens a bytes-key store over the environment in opts.
func NewBytesKeyStore[V any](opts Options) (*BytesKeyStore[V], error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &BytesKeyStore[V]{c: c}, nil
}

var _ EmptinessChecker = (*BytesKeyStore[int])(nil)

// Name returns the logical store name.
func (s *BytesKeyStore[V]) Name() string {
	return s.c.name
}

// Put stores value under (sc, key). Named scopes must be registered unless
// the store was opened with AutoRegister.
func (s *BytesKeyStore[V]) Put(txn kvenv.Txn, sc scope.Scope, key []byte, value V) error {
	vb, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for store %q: %w", s.c.name, err)
	}
	return s.c.put(txn, sc, key, vb)
}

// Get returns the value stored under (sc, key), or kvenv.ErrKeyNotFound.
func (s *BytesKeyStore[V]) Get(txn kvenv.Txn, sc scope.Scope, key []byte) (V, error) {
	var value V
	raw, err := s.c.get(txn, sc, key)
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
func (s *BytesKeyStore[V]) Delete(txn kvenv.Txn, sc scope.Scope, key []byte) error {
	return s.c.delete(txn, sc, key)
}

// Clear removes every entry of exactly that scope in this store.
func (s *BytesKeyStore[V]) Clear(txn kvenv.Txn, sc scope.Scope) error {
	return s.c.clear(txn, sc)
}

// Iter walks one scope in physical key order; fn returning false stops
// early. fn must not write through txn while the walk runs.
func (s *BytesKeyStore[V]) Iter(txn kvenv.Txn, sc scope.Scope, fn func(key []byte, value V) (bool, error)) error {
	return s.c.iterate(txn, sc, s.decodeFn(fn))
}

// IterPrefix walks the entries of sc whose key starts with prefix.
func (s *BytesKeyStore[V]) IterPrefix(txn kvenv.Txn, sc scope.Scope, prefix []byte, fn func(key []byte, value V) (bool, error)) error {
	return s.c.iteratePrefix(txn, sc, prefix, s.decodeFn(fn))
}

// ScopeEmpty reports whether sc holds no data in this store.
func (s *BytesKeyStore[V]) ScopeEmpty(txn kvenv.Txn, sc scope.Scope) (bool, error) {
	return s.c.scopeEmpty(txn, sc)
}

// FindEmptyScopes prunes every scope this store holds no data for and
// returns how many were removed.
func (s *BytesKeyStore[V]) FindEmptyScopes(txn kvenv.Txn) (int, error) {
	return s.c.findEmptyScopes(txn)
}

// RegisterScope records sc in the environment's registry.
func (s *BytesKeyStore[V]) RegisterScope(txn kvenv.Txn, sc scope.Scope) error {
	_, err := s.c.registry.Register(txn, sc)
	return err
}

// ListScopes returns Default plus every registered scope in insertion order.
func (s *BytesKeyStore[V]) ListScopes(txn kvenv.Txn) ([]scope.Scope, error) {
	return s.c.registry.ListScopes(txn)
}

func (s *BytesKeyStore[V]) decodeFn(fn func(key []byte, value V) (bool, error)) func(kb, vb []byte) (bool, error) {
	return func(kb, vb []byte) (bool, error) {
		var value V
		if err := json.Unmarshal(vb, &value); err != nil {
			s.c.metrics.RecordCorruptEntry(s.c.name)
			return false, fmt.Errorf("%w: value in store %q: %v", ErrCorruptEntry, s.c.name, err)
		}
		return fn(kb, value)
	}
}
