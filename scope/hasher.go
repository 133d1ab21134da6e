package scope

import (
	"fmt"
	"sync"
)

// Hasher resolves scope names to identifiers and rejects hash collisions.
//
// One Hasher is shared by pointer between every store handle of an
// environment (usually via the registry), so all handles agree about which
// name owns an identifier. Reads take a shared lock; the exclusive lock is
// held only while a genuinely new name is inserted.
type Hasher struct {
	mu     sync.RWMutex
	byID   map[uint32]string
	byName map[string]uint32
	hashFn func(string) uint32 // swapped in package tests to engineer collisions
}

// NewHasher returns an empty Hasher backed by the canonical ComputeID hash.
func NewHasher() *Hasher {
	return &Hasher{
		byID:   make(map[uint32]string),
		byName: make(map[string]uint32),
		hashFn: ComputeID,
	}
}

// Ensure validates name, computes its identifier, and records the mapping.
// Re-resolving a known name is a read-lock fast path. A name whose identifier
// is already owned by a different name fails with *CollisionError; the
// existing mapping is never overwritten.
func (h *Hasher) Ensure(name string) (uint32, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	h.mu.RLock()
	id, ok := h.byName[name]
	h.mu.RUnlock()
	if ok {
		return id, nil
	}

	id = h.hashFn(name)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.byID[id]; ok {
		if existing != name {
			return 0, &CollisionError{Name: name, Existing: existing, ID: id}
		}
		// Another caller inserted the same name between our RUnlock and Lock.
		return id, nil
	}
	h.byID[id] = name
	h.byName[name] = id
	return id, nil
}

// Seed records a persisted (name, identifier) pair during registry load. The
// stored identifier must still match the hash of the name; a mismatch means
// the entry was written by a different hash algorithm or is corrupt, and
// fails loudly rather than poisoning collision detection.
func (h *Hasher) Seed(name string, id uint32) error {
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("persisted scope entry: %w", err)
	}
	if got := h.hashFn(name); got != id {
		return fmt.Errorf("persisted scope %q: stored identifier %08x does not match computed %08x", name, id, got)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.byID[id]; ok && existing != name {
		return &CollisionError{Name: name, Existing: existing, ID: id}
	}
	h.byID[id] = name
	h.byName[name] = id
	return nil
}

// Lookup returns the name currently owning id, if any.
func (h *Hasher) Lookup(id uint32) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	name, ok := h.byID[id]
	return name, ok
}

// Resolve returns the recorded identifier for name without inserting a new
// mapping.
func (h *Hasher) Resolve(name string) (uint32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byName[name]
	return id, ok
}
