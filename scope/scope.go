// Package scope defines the scope value type and the name-to-identifier
// hashing that partitions one physical key-value store into isolated
// namespaces.
package scope

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MaxNameLen is the upper bound on scope name length in bytes. Short names
// keep the 32-bit identifier space sparse enough that collisions stay
// unlikely; collisions are still detected and rejected, never silently
// aliased.
const MaxNameLen = 20

// Common errors
var (
	ErrEmptyName   = errors.New("empty scope name")
	ErrNameTooLong = errors.New("scope name too long")
)

// CollisionError reports that two distinct scope names hash to the same
// identifier. Registration of the second name always fails with this error;
// the first name keeps the identifier.
type CollisionError struct {
	Name     string // the name being resolved
	Existing string // the name that already owns the identifier
	ID       uint32
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("scope hash collision: %q and %q both map to %08x", e.Name, e.Existing, e.ID)
}

// Scope identifies a logical partition of one physical store.
//
// The zero value is the default (unscoped) partition: its keys are stored
// verbatim, byte-compatible with data written before scoping existed. Named
// scopes carry a 32-bit identifier derived from the name that prefixes every
// physical key they own.
type Scope struct {
	name  string
	id    uint32
	named bool
}

// Default is the unscoped partition. It has no name and no identifier and is
// never registered or pruned.
var Default = Scope{}

// Named builds a scope for name, computing its identifier eagerly so later
// operations never re-hash. The name must be 1..MaxNameLen bytes; an empty
// name fails with ErrEmptyName rather than degrading into Default.
func Named(name string) (Scope, error) {
	if err := ValidateName(name); err != nil {
		return Scope{}, err
	}
	return Scope{name: name, id: ComputeID(name), named: true}, nil
}

// MustNamed is Named for names known to be valid. It panics on invalid input
// and is intended for fixtures and tests.
func MustNamed(name string) Scope {
	s, err := Named(name)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateName checks the 1..MaxNameLen byte-length contract for scope names.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q is %d bytes (max %d)", ErrNameTooLong, name, len(name), MaxNameLen)
	}
	return nil
}

// ComputeID returns the fixed 32-bit identifier for a scope name: the low 32
// bits of xxHash64 over the name bytes. Changing this function invalidates
// every persisted scoped key, so it is deliberately not configurable.
func ComputeID(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// IsDefault reports whether s is the default (unscoped) partition.
func (s Scope) IsDefault() bool {
	return !s.named
}

// Name returns the scope name; empty for the default scope.
func (s Scope) Name() string {
	return s.name
}

// ID returns the 32-bit identifier. It is meaningful only when IsDefault
// reports false.
func (s Scope) ID() uint32 {
	return s.id
}

// String renders "default" or "name@hexid" for logs and errors.
func (s Scope) String() string {
	if !s.named {
		return "default"
	}
	return fmt.Sprintf("%s@%08x", s.name, s.id)
}
