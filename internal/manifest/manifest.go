// Package manifest decodes and encodes the repository's manifest — the
// external collaborator stored under the all-zero sentinel id that indexes
// every archive by name — and the per-archive root blob the materializer
// and sync procedure resolve archives through.
package manifest

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"atticore/internal/chunkid"
)

// SentinelID is the well-known 32-zero-byte id the manifest is stored
// under.
var SentinelID chunkid.ID

// ArchiveRef is one entry in the manifest's archive index.
type ArchiveRef struct {
	ID        chunkid.ID
	Timestamp string
}

// Manifest is the repository's index of archives.
type Manifest struct {
	Version   int
	Archives  map[string]ArchiveRef
	Timestamp string
	Config    []byte // opaque, carried through unparsed

	// ID is the id_hash of this manifest's serialized plaintext body (spec.md
	// §3's "its own id is the id_hash of its serialized body"), not part of
	// the wire format itself. Fetch fills this in from the exact bytes it
	// decrypted (or synthesized, for a brand-new repository's empty
	// manifest) so callers can detect whether the repository's manifest has
	// changed since it was last observed.
	ID chunkid.ID
}

type wireManifest struct {
	Version   int                    `msgpack:"version"`
	Archives  map[string]wireArchive `msgpack:"archives"`
	Timestamp string                 `msgpack:"timestamp"`
	Config    []byte                 `msgpack:"config"`
}

type wireArchive struct {
	ID        []byte `msgpack:"id"`
	Timestamp string `msgpack:"timestamp"`
}

// Encode serializes m to its msgpack wire form.
func (m Manifest) Encode() ([]byte, error) {
	w := wireManifest{
		Version:   m.Version,
		Archives:  make(map[string]wireArchive, len(m.Archives)),
		Timestamp: m.Timestamp,
		Config:    m.Config,
	}
	for name, ref := range m.Archives {
		id := ref.ID
		w.Archives[name] = wireArchive{ID: id[:], Timestamp: ref.Timestamp}
	}
	data, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return data, nil
}

// Decode parses a manifest from its msgpack wire form.
func Decode(data []byte) (Manifest, error) {
	var w wireManifest
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}

	m := Manifest{
		Version:   w.Version,
		Archives:  make(map[string]ArchiveRef, len(w.Archives)),
		Timestamp: w.Timestamp,
		Config:    w.Config,
	}
	for name, wa := range w.Archives {
		id, err := chunkid.FromBytes(wa.ID)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: archive %q: %w", name, err)
		}
		m.Archives[name] = ArchiveRef{ID: id, Timestamp: wa.Timestamp}
	}
	return m, nil
}
