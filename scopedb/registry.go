package scopedb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scopekv/scopekv/internal/metrics"
	"github.com/scopekv/scopekv/kvenv"
	"github.com/scopekv/scopekv/scope"
)

// RegistrySection is the dedicated section holding scope bookkeeping. Store
// names may not collide with it (see validateStoreName).
const RegistrySection = "__scope_registry"

// Registry key layout inside the registry section:
//
//	e:<seq BE8>  -> registryEntry JSON   (insertion-ordered enumeration)
//	i:<id BE4>   -> registryIndex JSON   (point lookup by identifier)
//	m:fingerprint, m:seq                 (environment meta)
var (
	entryKeyPrefix = []byte("e:")
	indexKeyPrefix = []byte("i:")
	fingerprintKey = []byte("m:fingerprint")
	seqKey         = []byte("m:seq")
)

// registryEntry is the persisted primary record of one registered scope.
type registryEntry struct {
	Name         string    `json:"name"`
	ID           uint32    `json:"id"`
	Seq          uint64    `json:"seq"`
	RegisteredAt time.Time `json:"registered_at"`
}

// registryIndex is the persisted identifier lookup record.
type registryIndex struct {
	Name string `json:"name"`
	Seq  uint64 `json:"seq"`
}

// EmptinessChecker is the narrow read-only capability the registry needs to
// decide whether a scope still holds data somewhere. Every store variant
// satisfies it, so pruning can span heterogeneous stores without seeing
// their type parameters.
type EmptinessChecker interface {
	ScopeEmpty(txn kvenv.Txn, sc scope.Scope) (bool, error)
}

// RegistryOptions configures OpenRegistry.
type RegistryOptions struct {
	Env     kvenv.Env
	Logger  *logrus.Logger
	Metrics metrics.Manager
}

// Registry tracks which scopes exist across all stores of one environment.
// It is opened once per environment and shared by reference between store
// handles; the in-memory hasher cache behind it guarantees every handle
// agrees on a name's identifier.
type Registry struct {
	env     kvenv.Env
	section kvenv.Section
	hasher  *scope.Hasher
	logger  *logrus.Logger
	metrics metrics.Manager

	fingerprint string
}

// OpenRegistry loads the persisted registry state inside the caller's
// transaction, verifying every stored identifier against the current hash of
// its name. The first open of a fresh environment writes initialization keys
// and therefore needs a writable transaction; reopening an initialized
// environment works with a read transaction.
func OpenRegistry(txn kvenv.Txn, opts RegistryOptions) (*Registry, error) {
	if opts.Env == nil {
		return nil, fmt.Errorf("scopedb: registry requires an Env")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}

	section, err := opts.Env.OpenSection(RegistrySection)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry section: %w", err)
	}

	r := &Registry{
		env:     opts.Env,
		section: section,
		hasher:  scope.NewHasher(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	if err := r.load(txn); err != nil {
		return nil, err
	}
	return r, nil
}

// load initializes the fingerprint and seeds the hasher from persisted
// entries.
func (r *Registry) load(txn kvenv.Txn) error {
	fp, err := txn.Get(r.section.Key(fingerprintKey))
	switch {
	case err == nil:
		r.fingerprint = string(fp)
	case errors.Is(err, kvenv.ErrKeyNotFound):
		r.fingerprint = uuid.NewString()
		if err := txn.Set(r.section.Key(fingerprintKey), []byte(r.fingerprint)); err != nil {
			return fmt.Errorf("failed to initialize registry fingerprint: %w", err)
		}
	default:
		return fmt.Errorf("failed to read registry fingerprint: %w", err)
	}

	count := 0
	it := txn.NewIterator(kvenv.IterOptions{
		Prefix:         r.section.Key(entryKeyPrefix),
		PrefetchValues: true,
	})
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Value()
		if err != nil {
			_ = it.Close()
			return fmt.Errorf("failed to read registry entry: %w", err)
		}
		var entry registryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			_ = it.Close()
			return fmt.Errorf("%w: registry entry %x: %v", ErrCorruptEntry, it.Key(), err)
		}
		if err := r.hasher.Seed(entry.Name, entry.ID); err != nil {
			_ = it.Close()
			return fmt.Errorf("registry entry %q: %w", entry.Name, err)
		}
		count++
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("failed to scan registry entries: %w", err)
	}

	r.metrics.UpdateScopeCount(count)
	r.logger.WithFields(logrus.Fields{
		"scopes":      count,
		"fingerprint": r.fingerprint,
	}).Debug("Scope registry loaded")
	return nil
}

// Fingerprint returns the environment identity written at first
// initialization.
func (r *Registry) Fingerprint() string {
	return r.fingerprint
}

// Prefix returns the canonical physical key prefix of a scope identifier.
func (r *Registry) Prefix(id uint32) []byte {
	return scopePrefix(id)
}

// Register records a named scope inside the caller's write transaction.
// Registering Default is a no-op; registering an already-registered name is
// idempotent and returns its identifier. A name whose identifier is already
// owned by a different name fails with *scope.CollisionError and records
// nothing.
func (r *Registry) Register(txn kvenv.Txn, sc scope.Scope) (uint32, error) {
	if sc.IsDefault() {
		return 0, nil
	}

	id, err := r.hasher.Ensure(sc.Name())
	if err != nil {
		var collision *scope.CollisionError
		if errors.As(err, &collision) {
			r.metrics.RecordRegistration(metrics.RegistrationCollision)
		} else {
			r.metrics.RecordRegistration(metrics.RegistrationInvalid)
		}
		return 0, err
	}

	// Re-check persisted state inside the transaction: another handle or an
	// earlier run may have registered this identifier.
	idx, found, err := r.readIndex(txn, id)
	if err != nil {
		return 0, err
	}
	if found {
		if idx.Name == sc.Name() {
			r.metrics.RecordRegistration(metrics.RegistrationExisting)
			return id, nil
		}
		r.metrics.RecordRegistration(metrics.RegistrationCollision)
		return 0, &scope.CollisionError{Name: sc.Name(), Existing: idx.Name, ID: id}
	}

	seq, err := r.nextSeq(txn)
	if err != nil {
		return 0, err
	}

	entry := registryEntry{
		Name:         sc.Name(),
		ID:           id,
		Seq:          seq,
		RegisteredAt: time.Now().UTC(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	indexJSON, err := json.Marshal(registryIndex{Name: sc.Name(), Seq: seq})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal registry index: %w", err)
	}

	if err := txn.Set(r.section.Key(entryKey(seq)), entryJSON); err != nil {
		return 0, fmt.Errorf("failed to write registry entry: %w", err)
	}
	if err := txn.Set(r.section.Key(indexKey(id)), indexJSON); err != nil {
		return 0, fmt.Errorf("failed to write registry index: %w", err)
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], seq+1)
	if err := txn.Set(r.section.Key(seqKey), next[:]); err != nil {
		return 0, fmt.Errorf("failed to advance registry sequence: %w", err)
	}

	r.metrics.RecordRegistration(metrics.RegistrationNew)
	r.logger.WithFields(logrus.Fields{
		"scope": sc.Name(),
		"id":    fmt.Sprintf("%08x", id),
	}).Debug("Scope registered")
	return id, nil
}

// Entry describes one registered scope as persisted.
type Entry struct {
	Name         string
	ID           uint32
	RegisteredAt time.Time
}

// Entries returns the persisted record of every registered scope in
// insertion order, as observed by the supplied transaction. Each record's
// identifier is verified against the current hash of its name.
func (r *Registry) Entries(txn kvenv.Txn) ([]Entry, error) {
	var entries []Entry

	it := txn.NewIterator(kvenv.IterOptions{
		Prefix:         r.section.Key(entryKeyPrefix),
		PrefetchValues: true,
	})
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Value()
		if err != nil {
			_ = it.Close()
			return nil, fmt.Errorf("failed to read registry entry: %w", err)
		}
		var entry registryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			_ = it.Close()
			return nil, fmt.Errorf("%w: registry entry %x: %v", ErrCorruptEntry, it.Key(), err)
		}
		if want := scope.ComputeID(entry.Name); entry.ID != want {
			_ = it.Close()
			return nil, fmt.Errorf("%w: registry entry %q stores identifier %08x, hash gives %08x",
				ErrCorruptEntry, entry.Name, entry.ID, want)
		}
		entries = append(entries, Entry{
			Name:         entry.Name,
			ID:           entry.ID,
			RegisteredAt: entry.RegisteredAt,
		})
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan registry entries: %w", err)
	}
	return entries, nil
}

// ListScopes returns Default followed by every registered scope in insertion
// order, as observed by the supplied transaction.
func (r *Registry) ListScopes(txn kvenv.Txn) ([]scope.Scope, error) {
	entries, err := r.Entries(txn)
	if err != nil {
		return nil, err
	}
	scopes := make([]scope.Scope, 0, len(entries)+1)
	scopes = append(scopes, scope.Default)
	for _, entry := range entries {
		sc, err := scope.Named(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: registry entry %q: %v", ErrCorruptEntry, entry.Name, err)
		}
		scopes = append(scopes, sc)
	}
	return scopes, nil
}

// ScopeName returns the name owning an identifier, if registered.
func (r *Registry) ScopeName(txn kvenv.Txn, id uint32) (string, bool, error) {
	idx, found, err := r.readIndex(txn, id)
	if err != nil || !found {
		return "", false, err
	}
	return idx.Name, true, nil
}

// LookupID returns the identifier registered for a name. A name that was
// never registered, or whose identifier is owned by a different name, is
// reported as absent.
func (r *Registry) LookupID(txn kvenv.Txn, name string) (uint32, bool, error) {
	id := scope.ComputeID(name)
	idx, found, err := r.readIndex(txn, id)
	if err != nil || !found {
		return 0, false, err
	}
	if idx.Name != name {
		return 0, false, nil
	}
	return id, true, nil
}

// ScopeExists reports whether a scope is available for writes. Default
// always exists; a named scope exists once registered.
func (r *Registry) ScopeExists(txn kvenv.Txn, sc scope.Scope) (bool, error) {
	if sc.IsDefault() {
		return true, nil
	}
	_, found, err := r.LookupID(txn, sc.Name())
	return found, err
}

// Unregister removes a scope's registry entry inside the caller's write
// transaction. Unregistering an absent identifier is a no-op. Stored data of
// the scope is not touched; pruning is the caller-facing path that checks
// emptiness first.
func (r *Registry) Unregister(txn kvenv.Txn, id uint32) error {
	idx, found, err := r.readIndex(txn, id)
	if err != nil || !found {
		return err
	}
	if err := txn.Delete(r.section.Key(entryKey(idx.Seq))); err != nil {
		return fmt.Errorf("failed to delete registry entry: %w", err)
	}
	if err := txn.Delete(r.section.Key(indexKey(id))); err != nil {
		return fmt.Errorf("failed to delete registry index: %w", err)
	}
	r.logger.WithFields(logrus.Fields{
		"scope": idx.Name,
		"id":    fmt.Sprintf("%08x", id),
	}).Debug("Scope unregistered")
	return nil
}

// PruneUnused removes every registered scope that all supplied stores report
// empty, inside the caller's write transaction, and returns how many were
// removed. A scope with data in any store is retained; an emptiness-check
// error aborts before anything is removed. With no stores supplied nothing
// is pruned. Default is never pruned.
func (r *Registry) PruneUnused(txn kvenv.Txn, stores []EmptinessChecker) (int, error) {
	if len(stores) == 0 {
		return 0, nil
	}

	scopes, err := r.ListScopes(txn)
	if err != nil {
		return 0, err
	}

	// Decide first, delete after: no registry entry is removed unless every
	// check succeeded.
	var prunable []scope.Scope
	for _, sc := range scopes {
		if sc.IsDefault() {
			continue
		}
		unused := true
		for _, store := range stores {
			empty, err := store.ScopeEmpty(txn, sc)
			if err != nil {
				return 0, fmt.Errorf("emptiness check for scope %q failed: %w", sc.Name(), err)
			}
			if !empty {
				unused = false
				break
			}
		}
		if unused {
			prunable = append(prunable, sc)
		}
	}

	for _, sc := range prunable {
		if err := r.Unregister(txn, sc.ID()); err != nil {
			return 0, err
		}
	}

	if len(prunable) > 0 {
		r.metrics.AddPrunedScopes(len(prunable))
		r.logger.WithFields(logrus.Fields{
			"pruned": len(prunable),
			"stores": len(stores),
		}).Info("Pruned unused scopes")
	}
	return len(prunable), nil
}

func (r *Registry) readIndex(txn kvenv.Txn, id uint32) (registryIndex, bool, error) {
	raw, err := txn.Get(r.section.Key(indexKey(id)))
	if errors.Is(err, kvenv.ErrKeyNotFound) {
		return registryIndex{}, false, nil
	}
	if err != nil {
		return registryIndex{}, false, fmt.Errorf("failed to read registry index: %w", err)
	}
	var idx registryIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return registryIndex{}, false, fmt.Errorf("%w: registry index %08x: %v", ErrCorruptEntry, id, err)
	}
	return idx, true, nil
}

// nextSeq reads the next insertion sequence as observed by the transaction.
func (r *Registry) nextSeq(txn kvenv.Txn) (uint64, error) {
	raw, err := txn.Get(r.section.Key(seqKey))
	if errors.Is(err, kvenv.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read registry sequence: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: registry sequence is %d bytes", ErrCorruptEntry, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func entryKey(seq uint64) []byte {
	k := make([]byte, len(entryKeyPrefix)+8)
	copy(k, entryKeyPrefix)
	binary.BigEndian.PutUint64(k[len(entryKeyPrefix):], seq)
	return k
}

func indexKey(id uint32) []byte {
	k := make([]byte, len(indexKeyPrefix)+4)
	copy(k, indexKeyPrefix)
	binary.BigEndian.PutUint32(k[len(indexKeyPrefix):], id)
	return k
}
