// Package repository defines the external content-addressed blob store
// contract consumed by the cache and materializer, and hosts its concrete
// backends.
package repository

import (
	"context"
	"errors"

	"atticore/internal/chunkid"
)

// ErrNotFound is returned by Get/GetMany when a backend has no blob for an
// id.
var ErrNotFound = errors.New("repository: blob not found")

// Repository is the consumed storage contract: a content-addressed blob
// store keyed by ChunkId. Put and Delete are allowed to be best-effort
// asynchronous at this layer (wait=false fires and forgets); Get and
// GetMany are always synchronous from the caller's perspective.
type Repository interface {
	// ID returns the repository's own identifier, used to derive the cache
	// subdirectory name.
	ID() chunkid.ID

	// Get fetches a single ciphertext blob.
	Get(ctx context.Context, id chunkid.ID) ([]byte, error)

	// GetMany fetches a set of ciphertext blobs, pipelining fetches
	// internally and yielding results to fn in no particular order. A
	// backend may call fn concurrently from multiple goroutines: fn must be
	// safe for concurrent use. Returns the first error from fn or from any
	// fetch.
	GetMany(ctx context.Context, ids []chunkid.ID, fn func(id chunkid.ID, data []byte) error) error

	// Put stores a ciphertext blob under id. If wait is false, the backend
	// may return before the write is durable; the caller is responsible for
	// flushing before it depends on visibility (e.g. before writing a new
	// manifest).
	Put(ctx context.Context, id chunkid.ID, ciphertext []byte, wait bool) error

	// Delete removes the blob under id, if present. If wait is false this
	// may be asynchronous.
	Delete(ctx context.Context, id chunkid.ID, wait bool) error
}
