// Package chunkindex implements the persistent chunk-reference index: an
// open-addressed hash table mapping a ChunkId to its refcount and sizes.
//
// On-disk layout: a 4-byte format.Header followed by a u32 bucket count and
// a u32 occupied count, then the bucket array itself, each bucket
// [id(32) | refcount(u32) | size(u32) | csize(u32)] little-endian. Reads
// memory-map the file; writes rebuild the table in memory and replace the
// file atomically.
package chunkindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"syscall"

	"atticore/internal/chunkid"
	"atticore/internal/format"
)

const (
	bucketSize = chunkid.Size + 4 + 4 + 4

	emptySentinel    = 0xFFFFFFFF
	tombstoneSentinel = 0xFFFFFFFE

	formatVersion = 1

	// minBuckets is the smallest table size ever allocated.
	minBuckets = 8
	// maxLoadFactorNum/Den bounds occupancy before a resize on Set.
	maxLoadFactorNum = 7
	maxLoadFactorDen = 10
)

// Entry is the refcount and size pair tracked per chunk id.
type Entry struct {
	Refcount uint32
	Size     uint32
	CSize    uint32
}

var (
	ErrNotFound = errors.New("chunkindex: id not found")
	ErrCorrupt  = errors.New("chunkindex: corrupt bucket array")
)

// Index is an in-memory open-addressed hash table over ChunkId.
//
// It is not safe for concurrent use; callers serialize access themselves
// (the cache directory is single-writer, per the upgradable lock).
type Index struct {
	buckets []bucket
	count   int
}

type bucket struct {
	id    chunkid.ID
	entry Entry
	state bucketState
}

type bucketState uint8

const (
	stateEmpty bucketState = iota
	stateOccupied
	stateTombstone
)

// New creates an empty index.
func New() *Index {
	return &Index{buckets: make([]bucket, minBuckets)}
}

// Len returns the number of occupied entries.
func (idx *Index) Len() int {
	return idx.count
}

// Clear removes all entries and shrinks the table back to minBuckets.
func (idx *Index) Clear() {
	idx.buckets = make([]bucket, minBuckets)
	idx.count = 0
}

func (idx *Index) slot(id chunkid.ID) int {
	h := fnv1a(id[:])
	return int(h % uint64(len(idx.buckets)))
}

// Get returns the entry for id, if present.
func (idx *Index) Get(id chunkid.ID) (Entry, bool) {
	i, found := idx.find(id)
	if !found {
		return Entry{}, false
	}
	return idx.buckets[i].entry, true
}

// find locates the bucket index holding id, or the first empty/tombstone
// slot on the probe sequence if id is absent.
func (idx *Index) find(id chunkid.ID) (int, bool) {
	n := len(idx.buckets)
	start := idx.slot(id)
	firstFree := -1
	for probe := 0; probe < n; probe++ {
		i := (start + probe) % n
		b := &idx.buckets[i]
		switch b.state {
		case stateEmpty:
			if firstFree == -1 {
				firstFree = i
			}
			return firstFree, false
		case stateTombstone:
			if firstFree == -1 {
				firstFree = i
			}
		case stateOccupied:
			if b.id == id {
				return i, true
			}
		}
	}
	return firstFree, false
}

// Set inserts or overwrites the entry for id.
func (idx *Index) Set(id chunkid.ID, entry Entry) {
	if idx.count+1 > (len(idx.buckets)*maxLoadFactorNum)/maxLoadFactorDen {
		idx.grow()
	}
	i, found := idx.find(id)
	if i == -1 {
		idx.grow()
		i, found = idx.find(id)
	}
	if !found {
		idx.count++
	}
	idx.buckets[i] = bucket{id: id, entry: entry, state: stateOccupied}
}

// Remove deletes the entry for id, if present.
func (idx *Index) Remove(id chunkid.ID) {
	i, found := idx.find(id)
	if !found {
		return
	}
	idx.buckets[i] = bucket{state: stateTombstone}
	idx.count--
}

func (idx *Index) grow() {
	old := idx.buckets
	newSize := len(old) * 2
	if newSize < minBuckets {
		newSize = minBuckets
	}
	idx.buckets = make([]bucket, newSize)
	idx.count = 0
	for _, b := range old {
		if b.state == stateOccupied {
			idx.Set(b.id, b.entry)
		}
	}
}

// Add increments the refcount if id is present, otherwise inserts a new
// entry with refcount 1. Mirrors the sync procedure's add(id, size, csize).
func (idx *Index) Add(id chunkid.ID, size, csize uint32) {
	if e, ok := idx.Get(id); ok {
		e.Refcount++
		idx.Set(id, e)
		return
	}
	idx.Set(id, Entry{Refcount: 1, Size: size, CSize: csize})
}

// Incref increments the refcount of an existing entry.
func (idx *Index) Incref(id chunkid.ID) error {
	e, ok := idx.Get(id)
	if !ok {
		return fmt.Errorf("chunkindex: incref %s: %w", id, ErrNotFound)
	}
	e.Refcount++
	idx.Set(id, e)
	return nil
}

// Decref decrements the refcount of id, removing the entry entirely when
// it reaches zero. Returns the entry as it stood before decrementing and
// whether the entry was erased.
func (idx *Index) Decref(id chunkid.ID) (Entry, bool, error) {
	e, ok := idx.Get(id)
	if !ok {
		return Entry{}, false, fmt.Errorf("chunkindex: decref %s: %w", id, ErrNotFound)
	}
	if e.Refcount == 1 {
		idx.Remove(id)
		return e, true, nil
	}
	prev := e
	e.Refcount--
	idx.Set(id, e)
	return prev, false, nil
}

// fnv1a is a simple 64-bit FNV-1a hash, used only for bucket placement.
func fnv1a(b []byte) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}

// encode serializes the occupied entries into the on-disk bucket-array
// format sized to the current table.
func (idx *Index) encode() []byte {
	n := len(idx.buckets)
	buf := make([]byte, format.HeaderSize+8+n*bucketSize)

	h := format.Header{Type: format.TypeChunkIndex, Version: formatVersion}
	off := h.EncodeInto(buf)

	binary.LittleEndian.PutUint32(buf[off:], uint32(n))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(idx.count))
	off += 8

	for i, b := range idx.buckets {
		rec := buf[off+i*bucketSize : off+(i+1)*bucketSize]
		switch b.state {
		case stateEmpty:
			binary.LittleEndian.PutUint32(rec[chunkid.Size:], emptySentinel)
		case stateTombstone:
			binary.LittleEndian.PutUint32(rec[chunkid.Size:], tombstoneSentinel)
		case stateOccupied:
			copy(rec[:chunkid.Size], b.id[:])
			binary.LittleEndian.PutUint32(rec[chunkid.Size:], b.entry.Refcount)
			binary.LittleEndian.PutUint32(rec[chunkid.Size+4:], b.entry.Size)
			binary.LittleEndian.PutUint32(rec[chunkid.Size+8:], b.entry.CSize)
		}
	}
	return buf
}

func decode(data []byte) (*Index, error) {
	if len(data) < format.HeaderSize+8 {
		return nil, fmt.Errorf("chunkindex: %w: too short", ErrCorrupt)
	}
	if _, err := format.DecodeAndValidate(data, format.TypeChunkIndex, formatVersion); err != nil {
		return nil, fmt.Errorf("chunkindex: header: %w", err)
	}

	off := format.HeaderSize
	n := int(binary.LittleEndian.Uint32(data[off:]))
	occupied := int(binary.LittleEndian.Uint32(data[off+4:]))
	off += 8

	want := off + n*bucketSize
	if len(data) != want {
		return nil, fmt.Errorf("chunkindex: %w: expected %d bytes, got %d", ErrCorrupt, want, len(data))
	}

	idx := &Index{buckets: make([]bucket, n)}
	for i := 0; i < n; i++ {
		rec := data[off+i*bucketSize : off+(i+1)*bucketSize]
		refcount := binary.LittleEndian.Uint32(rec[chunkid.Size:])
		switch refcount {
		case emptySentinel:
			idx.buckets[i] = bucket{state: stateEmpty}
		case tombstoneSentinel:
			idx.buckets[i] = bucket{state: stateTombstone}
		default:
			var id chunkid.ID
			copy(id[:], rec[:chunkid.Size])
			idx.buckets[i] = bucket{
				id:    id,
				state: stateOccupied,
				entry: Entry{
					Refcount: refcount,
					Size:     binary.LittleEndian.Uint32(rec[chunkid.Size+4:]),
					CSize:    binary.LittleEndian.Uint32(rec[chunkid.Size+8:]),
				},
			}
		}
	}
	idx.count = occupied
	return idx, nil
}

// Write rewrites the index to path via a temp-file-then-rename sequence:
// write to path+".tmp", fsync, rename over path.
func (idx *Index) Write(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("chunkindex: create %s: %w", tmp, err)
	}

	data := idx.encode()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chunkindex: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chunkindex: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chunkindex: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("chunkindex: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Read loads an index from path via memory-mapped I/O. A missing file is
// treated as an empty index.
func Read(path string) (*Index, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunkindex: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("chunkindex: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return New(), nil
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("chunkindex: mmap %s: %w", path, err)
	}
	defer syscall.Munmap(data)

	idx, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("chunkindex: decode %s: %w", path, err)
	}
	return idx, nil
}
