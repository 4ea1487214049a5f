// Package filescache implements the file-identity cache: a mapping from a
// path's digest to the chunk ids produced the last time that exact file
// (by size, inode, and mtime) was chunked, so unchanged files are skipped
// without re-reading their bytes.
package filescache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"atticore/internal/chunkid"
	"atticore/internal/format"
)

const (
	// PathHashSize is the length in bytes of a PathHash.
	PathHashSize = 32

	// maxAge is the eviction threshold: entries carried across this many
	// commits without being observed again are dropped.
	maxAge = 10

	formatVersion = 1
)

// PathHash is a 32-byte digest of a normalized absolute file path.
type PathHash [PathHashSize]byte

// HashPath derives the PathHash for an absolute, cleaned path. Callers
// must normalize relative/symlink-laden paths before calling this so that
// the same file always hashes to the same key across runs.
func HashPath(absPath string) PathHash {
	return PathHash(sha256.Sum256([]byte(filepath.Clean(absPath))))
}

// Stat is the subset of filesystem metadata used to validate a cache hit.
type Stat struct {
	Inode   uint64
	Size    uint64
	MTimeNS int64
}

// Entry records the chunk list produced for a file the last time it was
// observed with a matching Stat.
type Entry struct {
	Age      uint32
	Inode    uint64
	Size     uint64
	MTimeNS  int64
	ChunkIDs []chunkid.ID
}

func (e Entry) stat() Stat {
	return Stat{Inode: e.Inode, Size: e.Size, MTimeNS: e.MTimeNS}
}

// Cache is the in-memory, lazily-populated files cache.
//
// Not safe for concurrent use; the cache directory is single-writer.
type Cache struct {
	entries     map[PathHash]Entry
	newestMTime int64
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[PathHash]Entry)}
}

// Lookup returns the chunk ids recorded for pathHash iff size, inode, and
// mtime all match stat. As a side effect, a hit resets the entry's age to
// zero (it was just observed again).
func (c *Cache) Lookup(pathHash PathHash, stat Stat) ([]chunkid.ID, bool) {
	e, ok := c.entries[pathHash]
	if !ok || e.stat() != stat {
		return nil, false
	}
	e.Age = 0
	c.entries[pathHash] = e
	return e.ChunkIDs, true
}

// Memorize records a fresh entry for pathHash with age 0, and folds stat's
// mtime into the newest-mtime watermark used by the commit eviction rule.
func (c *Cache) Memorize(pathHash PathHash, stat Stat, ids []chunkid.ID) {
	c.entries[pathHash] = Entry{
		Age:      0,
		Inode:    stat.Inode,
		Size:     stat.Size,
		MTimeNS:  stat.MTimeNS,
		ChunkIDs: append([]chunkid.ID(nil), ids...),
	}
	if stat.MTimeNS > c.newestMTime {
		c.newestMTime = stat.MTimeNS
	}
}

// NewestMTimeNS returns the newest mtime observed this run, via either a
// loaded entry or a Memorize call.
func (c *Cache) NewestMTimeNS() int64 {
	return c.newestMTime
}

// Len returns the number of entries currently held, before commit eviction.
func (c *Cache) Len() int {
	return len(c.entries)
}

// ageUnobserved increments by one the age of every entry whose path hash
// is not in observed, i.e. entries carried over from the prior snapshot
// without being looked up or memorized this run. Commit calls it once,
// before the eviction filter.
func (c *Cache) ageUnobserved(observed map[PathHash]struct{}) {
	for h, e := range c.entries {
		if _, ok := observed[h]; ok {
			continue
		}
		e.Age++
		c.entries[h] = e
	}
}

// Commit applies the age/mtime eviction rule and returns the serialized
// form to be written to the files file: entries survive iff age < 10 AND
// mtime_ns < newestMTime. observed is the set of path hashes looked up or
// memorized since the cache was loaded; everything else is aged by one
// first.
func (c *Cache) Commit(observed map[PathHash]struct{}) []byte {
	c.ageUnobserved(observed)

	kept := make(map[PathHash]Entry, len(c.entries))
	for h, e := range c.entries {
		if e.Age < maxAge && e.MTimeNS < c.newestMTime {
			kept[h] = e
		}
	}
	c.entries = kept

	return c.encode()
}

func (c *Cache) encode() []byte {
	var buf bytes.Buffer
	h := format.Header{Type: format.TypeFilesCache, Version: formatVersion}
	hdr := h.Encode()
	buf.Write(hdr[:])

	for pathHash, e := range c.entries {
		var rec bytes.Buffer
		rec.Write(pathHash[:])
		var fixed [4 + 8 + 8 + 8 + 4]byte
		binary.LittleEndian.PutUint32(fixed[0:], e.Age)
		binary.LittleEndian.PutUint64(fixed[4:], e.Inode)
		binary.LittleEndian.PutUint64(fixed[12:], e.Size)
		binary.LittleEndian.PutUint64(fixed[20:], uint64(e.MTimeNS))
		binary.LittleEndian.PutUint32(fixed[28:], uint32(len(e.ChunkIDs)))
		rec.Write(fixed[:])
		for _, id := range e.ChunkIDs {
			rec.Write(id[:])
		}

		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(rec.Len()))
		buf.Write(length[:])
		buf.Write(rec.Bytes())
	}
	return buf.Bytes()
}

// Write serializes the cache via Commit's eviction rule and atomically
// replaces path.
func (c *Cache) Write(path string, observed map[PathHash]struct{}) error {
	data := c.Commit(observed)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("filescache: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filescache: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

var ErrCorrupt = errors.New("filescache: corrupt record")

// Load reads a files cache from path. A missing file yields an empty
// cache.
func Load(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("filescache: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return New(), nil
	}

	if _, err := format.DecodeAndValidate(data, format.TypeFilesCache, formatVersion); err != nil {
		return nil, fmt.Errorf("filescache: header: %w", err)
	}

	c := New()
	off := format.HeaderSize
	for off < len(data) {
		if off+4 > len(data) {
			return nil, fmt.Errorf("filescache: %w: truncated length prefix", ErrCorrupt)
		}
		length := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+length > len(data) {
			return nil, fmt.Errorf("filescache: %w: truncated record", ErrCorrupt)
		}
		rec := data[off : off+length]
		off += length

		if len(rec) < PathHashSize+4+8+8+8+4 {
			return nil, fmt.Errorf("filescache: %w: record too small", ErrCorrupt)
		}
		var pathHash PathHash
		copy(pathHash[:], rec[:PathHashSize])
		p := PathHashSize

		age := binary.LittleEndian.Uint32(rec[p:])
		inode := binary.LittleEndian.Uint64(rec[p+4:])
		size := binary.LittleEndian.Uint64(rec[p+12:])
		mtime := int64(binary.LittleEndian.Uint64(rec[p+20:]))
		nChunks := int(binary.LittleEndian.Uint32(rec[p+28:]))
		p += 32

		if p+nChunks*chunkid.Size != len(rec) {
			return nil, fmt.Errorf("filescache: %w: chunk id count mismatch", ErrCorrupt)
		}
		ids := make([]chunkid.ID, nChunks)
		for i := 0; i < nChunks; i++ {
			copy(ids[i][:], rec[p+i*chunkid.Size:p+(i+1)*chunkid.Size])
		}

		c.entries[pathHash] = Entry{Age: age, Inode: inode, Size: size, MTimeNS: mtime, ChunkIDs: ids}
		if mtime > c.newestMTime {
			c.newestMTime = mtime
		}
	}
	return c, nil
}
