// Package key defines the cryptographic key abstraction consumed by the
// cache and materializer, and provides a concrete, testable implementation
// of that contract.
package key

import (
	"errors"

	"atticore/internal/chunkid"
)

// ErrIntegrity is returned by Decrypt when authentication fails: the
// ciphertext was tampered with or does not correspond to id.
var ErrIntegrity = errors.New("key: integrity check failed")

// Key is the consumed cryptographic contract. Encrypt/Decrypt operate on
// whole chunks; IDHash derives the content address from plaintext.
type Key interface {
	// IDHash derives the ChunkId for plaintext.
	IDHash(plaintext []byte) chunkid.ID

	// Encrypt seals plaintext into a ciphertext blob suitable for storage
	// under Encrypt's corresponding IDHash(plaintext).
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens a ciphertext blob previously produced by Encrypt for
	// id, returning ErrIntegrity if authentication fails.
	Decrypt(id chunkid.ID, ciphertext []byte) ([]byte, error)
}
