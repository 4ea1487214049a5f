package manifest

import (
	"context"
	"errors"
	"fmt"

	"atticore/internal/key"
	"atticore/internal/repository"
)

// Fetch loads and decrypts the manifest stored under repository.SentinelID.
// A brand-new repository has no manifest yet; Fetch reports that case by
// returning an empty Manifest (Version 1, no archives) rather than an
// error, mirroring how cache.Open treats a missing config file as a fresh
// cache rather than a fault.
//
// The returned Manifest's ID is the id_hash of the exact plaintext bytes
// Fetch decrypted (or, for a brand-new repository, the bytes a fresh empty
// manifest would encode to) — never the all-zero sentinel address the
// manifest happens to be stored under.
func Fetch(ctx context.Context, repo repository.Repository, k key.Key) (Manifest, error) {
	cipher, err := repo.Get(ctx, SentinelID)
	if errors.Is(err, repository.ErrNotFound) {
		m := Manifest{Version: 1, Archives: map[string]ArchiveRef{}}
		plain, err := m.Encode()
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: encode empty manifest: %w", err)
		}
		m.ID = k.IDHash(plain)
		return m, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: fetch: %w", err)
	}
	plain, err := k.Decrypt(SentinelID, cipher)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: decrypt: %w", err)
	}
	m, err := Decode(plain)
	if err != nil {
		return Manifest{}, err
	}
	m.ID = k.IDHash(plain)
	return m, nil
}

// Store encrypts and writes m back under repository.SentinelID, waiting
// for the write to become durable: the manifest write is the visibility
// boundary after which a concurrent reader may rely on every chunk it
// references being present (see spec §4.6's note that the repository must
// flush before the manifest write that makes new state visible).
func Store(ctx context.Context, repo repository.Repository, k key.Key, m Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	cipher, err := k.Encrypt(data)
	if err != nil {
		return fmt.Errorf("manifest: encrypt: %w", err)
	}
	if err := repo.Put(ctx, SentinelID, cipher, true); err != nil {
		return fmt.Errorf("manifest: store: %w", err)
	}
	return nil
}
