package scopedb

import (
	"encoding/binary"
	"fmt"
)

// Physical layout of a scoped key:
//
//	identifier (4 bytes, big-endian) ++ key length (8 bytes, big-endian) ++ key
//
// Every store variant routes through this one layout, so the per-scope prefix
// is byte-for-byte identical regardless of how keys were produced. Default
// scope keys never pass through here; they are stored verbatim in the
// unscoped section.
const (
	idLen     = 4
	lenLen    = 8
	headerLen = idLen + lenLen
)

// encodeScoped lays out the physical key for (identifier, key).
func encodeScoped(id uint32, key []byte) []byte {
	buf := make([]byte, headerLen+len(key))
	binary.BigEndian.PutUint32(buf[:idLen], id)
	binary.BigEndian.PutUint64(buf[idLen:headerLen], uint64(len(key)))
	copy(buf[headerLen:], key)
	return buf
}

// scopePrefix returns the canonical physical prefix shared by every key of
// one scope.
func scopePrefix(id uint32) []byte {
	buf := make([]byte, idLen)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

// decodeScoped recovers the original key from a physical key. The identifier
// prefix and the length field must both check out; a mismatched identifier or
// an inconsistent length fails loudly instead of degrading to "not found".
func decodeScoped(id uint32, physical []byte) ([]byte, error) {
	if len(physical) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes, shorter than the %d-byte scope header",
			ErrCorruptEntry, len(physical), headerLen)
	}
	if got := binary.BigEndian.Uint32(physical[:idLen]); got != id {
		return nil, fmt.Errorf("%w: entry carries identifier %08x, expected %08x",
			ErrScopeMismatch, got, id)
	}
	keyLen := binary.BigEndian.Uint64(physical[idLen:headerLen])
	if keyLen != uint64(len(physical)-headerLen) {
		return nil, fmt.Errorf("%w: length field says %d but %d key bytes follow",
			ErrCorruptEntry, keyLen, len(physical)-headerLen)
	}
	key := make([]byte, keyLen)
	copy(key, physical[headerLen:])
	return key, nil
}
