// Package archive implements the archive materializer: turning an
// archive's ordered chunk list into a lazily-resolved navigable tree,
// exposed read-only over FUSE.
package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"atticore/internal/item"
)

// BaseOffset shifts item-cache handles well clear of the small integers
// used for directory inodes (mount root, archive placeholders, and the
// monotonically allocated directory inodes under them), so a handle can
// double as the leaf's own inode number without risk of collision.
const BaseOffset uint64 = 1 << 40

// ItemCache spills decoded leaf items to an append-only scratch file so a
// large archive's materialized tree stays bounded in memory. Mirrors the
// teacher's temp-file-per-record idiom, generalized to one growing file
// with length-prefixed records.
//
// Not safe for concurrent use; the FUSE layer drives it single-request-at-
// a-time.
type ItemCache struct {
	f      *os.File
	offset int64
}

// NewItemCache creates an ItemCache backed by a private, already-unlinked
// scratch file: unlinking immediately means the file's space is reclaimed
// automatically when the mount session ends, clean exit or not.
func NewItemCache(dir string) (*ItemCache, error) {
	f, err := os.CreateTemp(dir, "atticore-itemcache-*")
	if err != nil {
		return nil, fmt.Errorf("archive: create item cache scratch file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: unlink item cache scratch file: %w", err)
	}
	return &ItemCache{f: f}, nil
}

// Close releases the scratch file.
func (c *ItemCache) Close() error {
	return c.f.Close()
}

// Add encodes it and appends it to the scratch file, returning the handle
// that doubles as the item's FUSE inode number.
func (c *ItemCache) Add(it item.Item) (uint64, error) {
	data, err := msgpack.Marshal(it.ToMap())
	if err != nil {
		return 0, fmt.Errorf("archive: encode item %s: %w", it.Path, err)
	}

	var rec [4]byte
	binary.LittleEndian.PutUint32(rec[:], uint32(len(data)))
	offset := c.offset
	if _, err := c.f.WriteAt(rec[:], offset); err != nil {
		return 0, fmt.Errorf("archive: spill item %s: %w", it.Path, err)
	}
	if _, err := c.f.WriteAt(data, offset+4); err != nil {
		return 0, fmt.Errorf("archive: spill item %s: %w", it.Path, err)
	}
	c.offset += 4 + int64(len(data))

	return uint64(offset) + BaseOffset, nil
}

// Get decodes the item previously returned by Add for handle.
func (c *ItemCache) Get(handle uint64) (item.Item, error) {
	if handle < BaseOffset {
		return item.Item{}, fmt.Errorf("archive: handle %d below base offset", handle)
	}
	offset := int64(handle - BaseOffset)

	var rec [4]byte
	if _, err := c.f.ReadAt(rec[:], offset); err != nil {
		return item.Item{}, fmt.Errorf("archive: read item length at %d: %w", offset, err)
	}
	n := binary.LittleEndian.Uint32(rec[:])

	data := make([]byte, n)
	if _, err := c.f.ReadAt(data, offset+4); err != nil {
		return item.Item{}, fmt.Errorf("archive: read item body at %d: %w", offset, err)
	}

	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return item.Item{}, fmt.Errorf("archive: decode item at %d: %w", offset, err)
	}
	return item.FromMap(m)
}
