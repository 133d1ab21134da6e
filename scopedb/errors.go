package scopedb

import "errors"

// Common errors
var (
	// ErrInvalidStoreName is returned when a store name fails validation.
	ErrInvalidStoreName = errors.New("invalid store name")

	// ErrScopeMismatch is returned when a physical key carries a different
	// scope identifier than the one it was decoded for. It signals layout
	// corruption or an iteration bug and is never reported as "not found".
	ErrScopeMismatch = errors.New("key does not belong to scope")

	// ErrCorruptEntry is returned when stored bytes fail an integrity check:
	// a truncated key layout, a length field that disagrees with the key, or
	// a registry record that does not unmarshal.
	ErrCorruptEntry = errors.New("corrupt entry")

	// ErrScopeNotRegistered is returned when a write addresses a named scope
	// that was never registered and the store was not opened with
	// AutoRegister.
	ErrScopeNotRegistered = errors.New("scope not registered")
)
