package itemstream

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"atticore/internal/item"
)

// Pack encodes it as one self-delimiting msgpack map, the inverse of
// Unpacker.tryDecode. The archive recorder concatenates the result for
// every item in a run to build the plaintext that gets split across the
// item-stream chunks listed in an archive's root blob.
func Pack(it item.Item) ([]byte, error) {
	data, err := msgpack.Marshal(it.ToMap())
	if err != nil {
		return nil, fmt.Errorf("itemstream: pack %s: %w", it.Path, err)
	}
	return data, nil
}
