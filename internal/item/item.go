// Package item defines the per-entry metadata record decoded from an
// archive's item stream: path, ownership, timestamps, and exactly one of a
// chunk list, a hard-link/symlink source, or a device number.
//
// The wire form (consumed and produced by internal/itemstream and
// internal/archive) is a map with string keys, matching the external
// item-map format archives are built from. Dynamic dispatch on which keys
// are present becomes a tagged sum here rather than being re-inspected at
// every call site.
package item

import (
	"errors"
	"fmt"

	"atticore/internal/chunkid"
)

// Kind tags which filesystem-entry variant an Item represents.
type Kind uint8

const (
	KindDirectory Kind = iota
	KindRegularFile
	KindHardLink
	KindSymlink
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegularFile:
		return "regular"
	case KindHardLink:
		return "hardlink"
	case KindSymlink:
		return "symlink"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// POSIX mode bits sufficient to distinguish entry kinds; the item map
// carries the host's raw stat(2) mode, so the S_IFMT field is all that is
// needed to pick regular-file-with-source (hard link) apart from
// symlink-with-source.
const (
	modeFmt  = 0o170000
	modeDir  = 0o040000
	modeReg  = 0o100000
	modeLink = 0o120000
)

// ChunkRef is one (id, plaintext size, ciphertext size) triple in a regular
// file's chunk list.
type ChunkRef struct {
	ID    chunkid.ID
	Size  uint32
	CSize uint32
}

// Item is the decoded form of one item-map record.
type Item struct {
	Path    string
	Mode    uint32
	UID     uint32
	GID     uint32
	User    string
	Group   string
	MTimeNS int64
	Kind    Kind

	Chunks []ChunkRef        // KindRegularFile
	Source string            // KindHardLink, KindSymlink
	Rdev   uint64            // KindDevice
	Xattrs map[string][]byte // optional, any kind
}

// Size is the sum of the plaintext sizes of the item's chunks.
func (it Item) Size() uint64 {
	var n uint64
	for _, c := range it.Chunks {
		n += uint64(c.Size)
	}
	return n
}

// IsDir reports whether the item's own mode bits mark it a directory. Not
// to be confused with the materializer's synthetic directory inodes, which
// have no backing item at all.
func (it Item) IsDir() bool {
	return it.Mode&modeFmt == modeDir
}

// ErrMissingPath is returned by FromMap when the map carries no usable
// "path" key. Doubles as the resync validator's rejection signal for trial
// decodes that happen to parse as a map but aren't an item.
var ErrMissingPath = errors.New("item: map has no path key")

// ToMap converts it into the wire representation written by the archive
// builder and read back by internal/itemstream.
func (it Item) ToMap() map[string]any {
	m := map[string]any{
		"path":  it.Path,
		"mode":  it.Mode,
		"uid":   it.UID,
		"gid":   it.GID,
		"mtime": it.MTimeNS,
	}
	if it.User != "" {
		m["user"] = it.User
	}
	if it.Group != "" {
		m["group"] = it.Group
	}

	switch it.Kind {
	case KindRegularFile:
		chunks := make([]any, len(it.Chunks))
		for i, c := range it.Chunks {
			id := c.ID
			chunks[i] = []any{id[:], c.Size, c.CSize}
		}
		m["chunks"] = chunks
	case KindHardLink, KindSymlink:
		m["source"] = it.Source
	case KindDevice:
		m["rdev"] = it.Rdev
	}

	if len(it.Xattrs) > 0 {
		x := make(map[string]any, len(it.Xattrs))
		for k, v := range it.Xattrs {
			x[k] = v
		}
		m["xattrs"] = x
	}
	return m
}

// FromMap reconstructs an Item from a decoded item map. It is also used
// directly as the resync validator's shape check: a map lacking the
// minimal "path" key returns ErrMissingPath rather than panicking or
// silently producing a zero-value Item.
func FromMap(m map[string]any) (Item, error) {
	path, ok := m["path"].(string)
	if !ok || path == "" {
		return Item{}, ErrMissingPath
	}

	it := Item{
		Path:    path,
		Mode:    toUint32(m["mode"]),
		UID:     toUint32(m["uid"]),
		GID:     toUint32(m["gid"]),
		MTimeNS: toInt64(m["mtime"]),
	}
	if u, ok := m["user"].(string); ok {
		it.User = u
	}
	if g, ok := m["group"].(string); ok {
		it.Group = g
	}

	switch {
	case m["chunks"] != nil:
		chunks, err := decodeChunks(m["chunks"])
		if err != nil {
			return Item{}, fmt.Errorf("item: %s: %w", path, err)
		}
		it.Chunks = chunks
		it.Kind = KindRegularFile
	case m["source"] != nil:
		src, _ := m["source"].(string)
		it.Source = src
		if it.Mode&modeFmt == modeReg {
			it.Kind = KindHardLink
		} else {
			it.Kind = KindSymlink
		}
	case m["rdev"] != nil:
		it.Rdev = toUint64(m["rdev"])
		it.Kind = KindDevice
	default:
		it.Kind = KindDirectory
	}

	if x, ok := m["xattrs"].(map[string]any); ok {
		it.Xattrs = make(map[string][]byte, len(x))
		for k, v := range x {
			if b, ok := v.([]byte); ok {
				it.Xattrs[k] = b
			}
		}
	}
	return it, nil
}

func decodeChunks(v any) ([]ChunkRef, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("chunks: not a list")
	}
	out := make([]ChunkRef, 0, len(list))
	for i, raw := range list {
		tup, ok := raw.([]any)
		if !ok || len(tup) != 3 {
			return nil, fmt.Errorf("chunks[%d]: malformed tuple", i)
		}
		idBytes, ok := tup[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("chunks[%d]: id not bytes", i)
		}
		id, err := chunkid.FromBytes(idBytes)
		if err != nil {
			return nil, fmt.Errorf("chunks[%d]: %w", i, err)
		}
		out = append(out, ChunkRef{ID: id, Size: toUint32(tup[1]), CSize: toUint32(tup[2])})
	}
	return out, nil
}

// toUint32/toInt64/toUint64 coerce the numeric types a generic msgpack
// decode produces (int64, uint64, or a narrower sized variant depending on
// value range) into the fixed width the Item fields use.
func toUint32(v any) uint32 {
	switch n := v.(type) {
	case int64:
		return uint32(n)
	case uint64:
		return uint32(n)
	case uint32:
		return n
	case int32:
		return uint32(n)
	case int8:
		return uint32(n)
	case int:
		return uint32(n)
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	case int32:
		return int64(n)
	case int8:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case int64:
		return uint64(n)
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int32:
		return uint64(n)
	case int8:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		return 0
	}
}
