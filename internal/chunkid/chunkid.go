// Package chunkid defines the fixed-size content identifier shared by the
// chunk index, the files cache, and every repository backend.
package chunkid

import "encoding/hex"

// Size is the length in bytes of a ChunkId.
const Size = 32

// ID is a 32-byte content identifier produced by the key's id_hash.
// Equality is byte equality.
type ID [Size]byte

// Manifest is the well-known sentinel id under which the repository stores
// the manifest: 32 zero bytes.
var Manifest ID

// String returns the lowercase hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero sentinel.
func (id ID) IsZero() bool {
	return id == ID{}
}

// FromHex decodes a lowercase hex string into an ID.
func FromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != Size {
		return id, errInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes copies a byte slice into an ID. The slice must be exactly Size
// bytes long.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, errInvalidLength
	}
	copy(id[:], b)
	return id, nil
}
