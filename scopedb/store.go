// Package scopedb partitions the stores of one kvenv environment into named
// scopes. A scope name maps to a fixed-width 32-bit identifier embedded into
// every stored key, so gets, scans, and clears address exactly one scope's
// data; the Default scope keeps keys verbatim for compatibility with plain
// unscoped data. A persisted registry tracks which scopes exist across all
// stores and prunes the ones that hold data nowhere.
//
// Three store variants share one physical key layout: Store[K, V] with JSON
// keys and values, BytesKeyStore[V] with raw keys and JSON values, and
// BytesStore with raw keys and values. All operations run inside
// caller-supplied transactions and are never retried internally.
package scopedb

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scopekv/scopekv/internal/metrics"
	"github.com/scopekv/scopekv/kvenv"
	"github.com/scopekv/scopekv/scope"
)

// scopedSectionSuffix derives the scoped section from a store name.
const scopedSectionSuffix = "_scoped"

// Store names leave room for the _scoped suffix within the section limit.
var storeNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,57}$`)

func validateStoreName(name string) error {
	if !storeNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	if strings.HasSuffix(name, scopedSectionSuffix) {
		return fmt.Errorf("%w: %q: the %s suffix is reserved", ErrInvalidStoreName, name, scopedSectionSuffix)
	}
	if strings.HasPrefix(name, "__") {
		return fmt.Errorf("%w: %q: the __ prefix is reserved for internal sections", ErrInvalidStoreName, name)
	}
	return nil
}

// Options configures one logical scoped store.
type Options struct {
	// Env is the engine environment holding the store's sections.
	Env kvenv.Env

	// Registry is the environment's scope registry, shared between all
	// stores of the environment.
	Registry *Registry

	// Name is the logical store name. It derives the section pair
	// "<name>" (unscoped keys) and "<name>_scoped" (identifier-prefixed
	// keys).
	Name string

	// AutoRegister makes writes register their scope inside the same
	// transaction instead of failing with ErrScopeNotRegistered.
	AutoRegister bool

	Logger  *logrus.Logger
	Metrics metrics.Manager
}

// core carries what the three store variants share: the section pair, the
// registration policy, and the physical-layout operations.
type core struct {
	env          kvenv.Env
	registry     *Registry
	name         string
	autoRegister bool
	logger       *logrus.Logger
	metrics      metrics.Manager

	unscoped kvenv.Section
	scoped   kvenv.Section
}

func newCore(opts Options) (*core, error) {
	if opts.Env == nil {
		return nil, fmt.Errorf("scopedb: store %q requires an Env", opts.Name)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("scopedb: store %q requires a Registry", opts.Name)
	}
	if err := validateStoreName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}

	unscoped, err := opts.Env.OpenSection(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open store section: %w", err)
	}
	scoped, err := opts.Env.OpenSection(opts.Name + scopedSectionSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to open scoped store section: %w", err)
	}

	c := &core{
		env:          opts.Env,
		registry:     opts.Registry,
		name:         opts.Name,
		autoRegister: opts.AutoRegister,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		unscoped:     unscoped,
		scoped:       scoped,
	}
	c.logger.WithFields(logrus.Fields{
		"store":         c.name,
		"auto_register": c.autoRegister,
	}).Debug("Scoped store opened")
	return c, nil
}

// physicalKey maps (scope, key) to the physical key and its section.
func (c *core) physicalKey(sc scope.Scope, key []byte) []byte {
	if sc.IsDefault() {
		return c.unscoped.Key(key)
	}
	return c.scoped.Key(encodeScoped(sc.ID(), key))
}

// scopeBounds returns the iteration options covering exactly one scope.
func (c *core) scopeBounds(sc scope.Scope, prefetch bool) kvenv.IterOptions {
	if sc.IsDefault() {
		return kvenv.IterOptions{Prefix: c.unscoped.Prefix(), PrefetchValues: prefetch}
	}
	return kvenv.IterOptions{Prefix: c.scoped.Key(scopePrefix(sc.ID())), PrefetchValues: prefetch}
}

// decodeEntry recovers the logical key of a physical entry inside sc.
func (c *core) decodeEntry(sc scope.Scope, physical []byte) ([]byte, error) {
	section := c.scoped
	if sc.IsDefault() {
		section = c.unscoped
	}
	trimmed, ok := section.Trim(physical)
	if !ok {
		c.metrics.RecordCorruptEntry(c.name)
		return nil, fmt.Errorf("%w: key %x outside section %q", ErrCorruptEntry, physical, section.Name())
	}
	if sc.IsDefault() {
		return trimmed, nil
	}
	key, err := decodeScoped(sc.ID(), trimmed)
	if err != nil {
		c.metrics.RecordCorruptEntry(c.name)
		return nil, err
	}
	return key, nil
}

// ensureRegistered enforces the registration policy for named-scope writes.
func (c *core) ensureRegistered(txn kvenv.Txn, sc scope.Scope) error {
	if sc.IsDefault() {
		return nil
	}
	if c.autoRegister {
		_, err := c.registry.Register(txn, sc)
		return err
	}
	exists, err := c.registry.ScopeExists(txn, sc)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrScopeNotRegistered, sc.Name())
	}
	return nil
}

func (c *core) put(txn kvenv.Txn, sc scope.Scope, key, value []byte) error {
	start := time.Now()
	err := c.doPut(txn, sc, key, value)
	c.metrics.RecordStoreOperation(c.name, "put", err == nil, time.Since(start))
	if err == nil {
		c.metrics.ObserveValueSize(c.name, len(value))
	}
	return err
}

func (c *core) doPut(txn kvenv.Txn, sc scope.Scope, key, value []byte) error {
	if err := c.ensureRegistered(txn, sc); err != nil {
		return err
	}
	if err := txn.Set(c.physicalKey(sc, key), value); err != nil {
		return fmt.Errorf("failed to put key in store %q: %w", c.name, err)
	}
	return nil
}

func (c *core) get(txn kvenv.Txn, sc scope.Scope, key []byte) ([]byte, error) {
	start := time.Now()
	value, err := txn.Get(c.physicalKey(sc, key))
	ok := err == nil || errors.Is(err, kvenv.ErrKeyNotFound)
	c.metrics.RecordStoreOperation(c.name, "get", ok, time.Since(start))
	return value, err
}

func (c *core) delete(txn kvenv.Txn, sc scope.Scope, key []byte) error {
	start := time.Now()
	err := txn.Delete(c.physicalKey(sc, key))
	c.metrics.RecordStoreOperation(c.name, "delete", err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to delete key in store %q: %w", c.name, err)
	}
	return nil
}

// clear removes every entry of exactly one scope. Keys are collected before
// deleting: the engines forbid writes while an iterator is open.
func (c *core) clear(txn kvenv.Txn, sc scope.Scope) error {
	start := time.Now()
	removed, err := c.doClear(txn, sc)
	c.metrics.RecordStoreOperation(c.name, "clear", err == nil, time.Since(start))
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"store":   c.name,
		"scope":   sc.String(),
		"removed": removed,
	}).Debug("Scope cleared")
	return nil
}

func (c *core) doClear(txn kvenv.Txn, sc scope.Scope) (int, error) {
	var keys [][]byte
	it := txn.NewIterator(c.scopeBounds(sc, false))
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	if err := it.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan scope in store %q: %w", c.name, err)
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to clear scope in store %q: %w", c.name, err)
		}
	}
	return len(keys), nil
}

// scopeEmpty probes for the first key of the scope and stops immediately.
func (c *core) scopeEmpty(txn kvenv.Txn, sc scope.Scope) (bool, error) {
	it := txn.NewIterator(c.scopeBounds(sc, false))
	it.Rewind()
	empty := !it.Valid()
	if err := it.Close(); err != nil {
		return false, fmt.Errorf("failed to probe scope in store %q: %w", c.name, err)
	}
	return empty, nil
}

// iterate walks one scope in physical order, handing each decoded key and
// raw value to fn; fn returning false stops the walk. The callback must not
// write through the same transaction while the walk runs.
func (c *core) iterate(txn kvenv.Txn, sc scope.Scope, fn func(key, value []byte) (bool, error)) error {
	start := time.Now()
	err := c.doIterate(txn, sc, nil, fn)
	c.metrics.RecordStoreOperation(c.name, "iter", err == nil, time.Since(start))
	return err
}

// iteratePrefix walks the entries of one scope whose decoded key starts with
// prefix. Default-scope keys are contiguous, so the engine seeks directly;
// named-scope keys sort by (length, key) under the canonical layout, so the
// scope is walked and filtered.
func (c *core) iteratePrefix(txn kvenv.Txn, sc scope.Scope, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	start := time.Now()
	var err error
	if sc.IsDefault() {
		opts := kvenv.IterOptions{Prefix: c.unscoped.Key(prefix), PrefetchValues: true}
		err = c.runIterator(txn, sc, opts, fn)
	} else {
		err = c.doIterate(txn, sc, prefix, fn)
	}
	c.metrics.RecordStoreOperation(c.name, "iter_prefix", err == nil, time.Since(start))
	return err
}

func (c *core) doIterate(txn kvenv.Txn, sc scope.Scope, filter []byte, fn func(key, value []byte) (bool, error)) error {
	return c.runIterator(txn, sc, c.scopeBounds(sc, true), func(key, value []byte) (bool, error) {
		if filter != nil && !bytes.HasPrefix(key, filter) {
			return true, nil
		}
		return fn(key, value)
	})
}

func (c *core) runIterator(txn kvenv.Txn, sc scope.Scope, opts kvenv.IterOptions, fn func(key, value []byte) (bool, error)) error {
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		key, err := c.decodeEntry(sc, it.Key())
		if err != nil {
			_ = it.Close()
			return err
		}
		value, err := it.Value()
		if err != nil {
			_ = it.Close()
			return fmt.Errorf("failed to read value in store %q: %w", c.name, err)
		}
		cont, err := fn(key, value)
		if err != nil {
			_ = it.Close()
			return err
		}
		if !cont {
			break
		}
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("failed to iterate store %q: %w", c.name, err)
	}
	return nil
}

// ScopeEmpty implements EmptinessChecker against this store's sections.
func (c *core) ScopeEmpty(txn kvenv.Txn, sc scope.Scope) (bool, error) {
	return c.scopeEmpty(txn, sc)
}

// findEmptyScopes prunes using this store as the only emptiness authority.
func (c *core) findEmptyScopes(txn kvenv.Txn) (int, error) {
	return c.registry.PruneUnused(txn, []EmptinessChecker{c})
}
