package manifest

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"atticore/internal/chunkid"
)

// IndexEntry is one window of the optional metadata index: the byte range
// within items[ChunkIndex...] (after skipping Skip bytes and truncating to
// Length) that is guaranteed to contain every item record whose path has
// Segments as a prefix. Entries are stored in BFS path order so a linear
// scan can stop early (see internal/archive's LookupMany).
type IndexEntry struct {
	Segments   []string
	ChunkIndex int
	Skip       int64
	Length     int64
}

// MetadataIndex maps path-segment prefixes to the item-stream window that
// contains their entries. Present only for archive metadata version >= 2.
type MetadataIndex struct {
	Entries []IndexEntry
}

// RootMeta is the decoded plaintext of an archive's root blob.
type RootMeta struct {
	Version       int
	Name          string
	Items         []chunkid.ID
	MetadataIndex *MetadataIndex // nil for version 1
}

type wireRoot struct {
	Version       int              `msgpack:"version"`
	Name          string           `msgpack:"name"`
	Items         [][]byte         `msgpack:"items"`
	MetadataIndex []wireIndexEntry `msgpack:"metadata_index,omitempty"`
}

type wireIndexEntry struct {
	Segments   []string `msgpack:"segments"`
	ChunkIndex int      `msgpack:"chunk_index"`
	Skip       int64    `msgpack:"skip"`
	Length     int64    `msgpack:"length"`
}

// EncodeRootMeta serializes an archive's root blob plaintext.
func EncodeRootMeta(m RootMeta) ([]byte, error) {
	w := wireRoot{
		Version: m.Version,
		Name:    m.Name,
		Items:   make([][]byte, len(m.Items)),
	}
	for i, id := range m.Items {
		w.Items[i] = append([]byte(nil), id[:]...)
	}
	if m.MetadataIndex != nil {
		w.MetadataIndex = make([]wireIndexEntry, len(m.MetadataIndex.Entries))
		for i, e := range m.MetadataIndex.Entries {
			w.MetadataIndex[i] = wireIndexEntry{
				Segments:   e.Segments,
				ChunkIndex: e.ChunkIndex,
				Skip:       e.Skip,
				Length:     e.Length,
			}
		}
	}
	data, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode root: %w", err)
	}
	return data, nil
}

// DecodeRootMeta parses an archive's root blob plaintext, requiring
// version == 1 or 2.
func DecodeRootMeta(data []byte) (RootMeta, error) {
	var w wireRoot
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return RootMeta{}, fmt.Errorf("manifest: decode root: %w", err)
	}
	if w.Version != 1 && w.Version != 2 {
		return RootMeta{}, fmt.Errorf("manifest: root: unsupported version %d", w.Version)
	}

	m := RootMeta{Version: w.Version, Name: w.Name, Items: make([]chunkid.ID, len(w.Items))}
	for i, raw := range w.Items {
		id, err := chunkid.FromBytes(raw)
		if err != nil {
			return RootMeta{}, fmt.Errorf("manifest: root: item %d: %w", i, err)
		}
		m.Items[i] = id
	}

	if w.Version >= 2 && len(w.MetadataIndex) > 0 {
		idx := &MetadataIndex{Entries: make([]IndexEntry, len(w.MetadataIndex))}
		for i, e := range w.MetadataIndex {
			idx.Entries[i] = IndexEntry{
				Segments:   e.Segments,
				ChunkIndex: e.ChunkIndex,
				Skip:       e.Skip,
				Length:     e.Length,
			}
		}
		m.MetadataIndex = idx
	}
	return m, nil
}
