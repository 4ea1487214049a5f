// Package keystore resolves and persists the root secret a repository's
// ChaChaKey is built from, under ATTIC_KEYS_DIR.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"atticore/internal/chunkid"
	"atticore/internal/key"
)

const rootSecretSize = 32

// path returns the secret file's location for repoID under keysRoot, named
// by the repository's own id so a single keys directory can hold secrets
// for several repositories.
func path(keysRoot string, repoID chunkid.ID) string {
	return filepath.Join(keysRoot, repoID.String()+".key")
}

// LoadOrCreate reads the root secret for repoID from keysRoot, generating
// and persisting a fresh one via crypto/rand if none exists yet. The file
// is written with owner-only permissions since it is the sole secret a
// repository's confidentiality rests on.
func LoadOrCreate(keysRoot string, repoID chunkid.ID) (*key.ChaChaKey, error) {
	p := path(keysRoot, repoID)

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		secret := make([]byte, rootSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("keystore: generate secret: %w", err)
		}
		if err := os.MkdirAll(keysRoot, 0o700); err != nil {
			return nil, fmt.Errorf("keystore: create %s: %w", keysRoot, err)
		}
		encoded := []byte(hex.EncodeToString(secret))
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
			return nil, fmt.Errorf("keystore: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, p); err != nil {
			return nil, fmt.Errorf("keystore: rename %s to %s: %w", tmp, p, err)
		}
		return key.NewChaChaKey(secret), nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", p, err)
	}

	secret, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("keystore: decode %s: %w", p, err)
	}
	if len(secret) != rootSecretSize {
		return nil, fmt.Errorf("keystore: %s: expected %d-byte secret, got %d", p, rootSecretSize, len(secret))
	}
	return key.NewChaChaKey(secret), nil
}
