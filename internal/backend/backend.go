// Package backend resolves a repository location string (as passed to
// cmd/atticore's --repo flag) into a concrete repository.Repository and
// the chunkid.ID that identifies it to the local cache.
//
// Supported locations:
//
//	local:<path>                 packed segment files under path
//	memory:<token>                in-process store, for demos and tests
//	s3://bucket/prefix             default AWS credential chain
//	gcs://bucket/prefix            application-default credentials
//	azure://host/container/prefix  azidentity default credential chain
package backend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"atticore/internal/chunkid"
	"atticore/internal/repository"
	"atticore/internal/repository/azureblob"
	"atticore/internal/repository/gcs"
	"atticore/internal/repository/local"
	"atticore/internal/repository/memory"
	"atticore/internal/repository/s3"
)

// Open parses location and returns its Repository.
func Open(ctx context.Context, location string) (repository.Repository, error) {
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		scheme, rest, ok = strings.Cut(location, ":")
		if !ok {
			return nil, fmt.Errorf("backend: %q: missing scheme (local:, memory:, s3://, gcs://, azure://)", location)
		}
	}

	switch scheme {
	case "local":
		return openLocal(rest)
	case "memory":
		return memory.New(deriveID(location)), nil
	case "s3":
		bucket, prefix := splitBucketPrefix(rest)
		return s3.New(ctx, deriveID(location), bucket, prefix)
	case "gcs":
		bucket, prefix := splitBucketPrefix(rest)
		return gcs.New(ctx, deriveID(location), bucket, prefix)
	case "azure":
		host, container, prefix := splitAzure(rest)
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("backend: azure credential: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s/%s", host, container)
		return azureblob.New(deriveID(location), serviceURL, cred, prefix)
	default:
		return nil, fmt.Errorf("backend: %q: unknown scheme %q", location, scheme)
	}
}

// openLocal opens (creating if necessary) a local.Store rooted at path,
// bootstrapping its repository id from a sidecar file on first use: unlike
// the remote backends, a local directory carries no identity of its own
// to derive one from.
func openLocal(path string) (repository.Repository, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("backend: create %s: %w", path, err)
	}
	id, err := loadOrCreateRepoID(filepath.Join(path, "repository-id"))
	if err != nil {
		return nil, err
	}
	return local.Open(path, id)
}

func loadOrCreateRepoID(path string) (chunkid.ID, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		var id chunkid.ID
		if _, err := rand.Read(id[:]); err != nil {
			return chunkid.ID{}, fmt.Errorf("backend: generate repository id: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(id.String()), 0o640); err != nil {
			return chunkid.ID{}, fmt.Errorf("backend: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return chunkid.ID{}, fmt.Errorf("backend: rename %s to %s: %w", tmp, path, err)
		}
		return id, nil
	}
	if err != nil {
		return chunkid.ID{}, fmt.Errorf("backend: read %s: %w", path, err)
	}
	return chunkid.FromHex(strings.TrimSpace(string(data)))
}

// deriveID assigns a remote repository a stable id from its location
// string. Remote backends store chunks under a bucket/container that
// already uniquely names the repository, so there is nothing to
// bootstrap: the same location always yields the same id.
func deriveID(location string) chunkid.ID {
	return chunkid.ID(sha256.Sum256([]byte(location)))
}

func splitBucketPrefix(rest string) (bucket, prefix string) {
	bucket, prefix, ok := strings.Cut(rest, "/")
	if !ok {
		return rest, ""
	}
	return bucket, prefix
}

func splitAzure(rest string) (host, container, prefix string) {
	parts := strings.SplitN(rest, "/", 3)
	host = parts[0]
	if len(parts) > 1 {
		container = parts[1]
	}
	if len(parts) > 2 {
		prefix = parts[2]
	}
	return host, container, prefix
}
