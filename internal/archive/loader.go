package archive

import (
	"context"
	"fmt"

	"atticore/internal/chunkid"
	"atticore/internal/item"
	"atticore/internal/itemstream"
	"atticore/internal/key"
	"atticore/internal/repository"
)

// Loader fetches and decodes one window of an archive's item stream.
type Loader struct {
	repo repository.Repository
	key  key.Key
}

// NewLoader creates a Loader over repo, decrypting fetched blobs with k.
func NewLoader(repo repository.Repository, k key.Key) *Loader {
	return &Loader{repo: repo, key: k}
}

// LoadWindow fetches chunks from items[index:], decrypting each, discarding
// skip bytes and truncating to length bytes across the concatenated
// plaintext (length < 0 means unbounded — load to the end of the stream),
// and decodes the resulting byte range into items.
//
// A chunk the repository has no blob for, or one that fails to decrypt, is
// not fatal here: the materializer never crashes a mount over a missing or
// damaged chunk. The unpacker is forced into its resynchronizing substate
// and the loop moves on to the next chunk, so any item that does land
// fully inside a later, healthy chunk still gets reported.
func (l *Loader) LoadWindow(ctx context.Context, items []chunkid.ID, index int, skip, length int64) ([]item.Item, error) {
	if index < 0 || index > len(items) {
		return nil, fmt.Errorf("archive: window index %d out of range [0,%d]", index, len(items))
	}

	up := itemstream.New(itemstream.DefaultValidator)
	remainingSkip := skip
	remainingLength := length // negative: unbounded
	var out []item.Item

	for i := index; i < len(items); i++ {
		if remainingLength == 0 {
			break
		}

		cipher, err := l.repo.Get(ctx, items[i])
		if err != nil {
			up.Resync()
			continue
		}
		plain, err := l.key.Decrypt(items[i], cipher)
		if err != nil {
			up.Resync()
			continue
		}

		if remainingSkip > 0 {
			if remainingSkip >= int64(len(plain)) {
				remainingSkip -= int64(len(plain))
				continue
			}
			plain = plain[remainingSkip:]
			remainingSkip = 0
		}
		if remainingLength >= 0 && int64(len(plain)) > remainingLength {
			plain = plain[:remainingLength]
		}
		if remainingLength >= 0 {
			remainingLength -= int64(len(plain))
		}

		up.Feed(plain)
		for {
			unit, ok := up.Next()
			if !ok {
				break
			}
			if unit.IsItem {
				out = append(out, unit.Item)
			}
		}
	}
	return out, nil
}
