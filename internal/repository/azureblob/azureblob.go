// Package azureblob implements a Repository backend over an Azure Blob
// Storage container.
package azureblob

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	azblobErrors "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"golang.org/x/sync/errgroup"

	"atticore/internal/chunkid"
	"atticore/internal/repository"
)

const maxConcurrentFetches = 16

// Store is a Repository backed by an Azure Blob Storage container.
type Store struct {
	id     chunkid.ID
	client *container.Client
	prefix string
}

// New constructs a Store from a container service URL and a shared
// credential, such as one produced by azidentity.
func New(id chunkid.ID, serviceURL string, cred azcore.TokenCredential, prefix string) (*Store, error) {
	client, err := container.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azureblob: new client: %w", err)
	}
	return &Store{id: id, client: client, prefix: prefix}, nil
}

func (s *Store) blobName(id chunkid.ID) string {
	return s.prefix + id.String()
}

func (s *Store) ID() chunkid.ID { return s.id }

func (s *Store) Get(ctx context.Context, id chunkid.ID) ([]byte, error) {
	blob := s.client.NewBlobClient(s.blobName(id))
	resp, err := blob.DownloadStream(ctx, nil)
	if err != nil {
		if azblobErrors.HasCode(err, azblobErrors.BlobNotFound) {
			return nil, fmt.Errorf("azureblob: get %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("azureblob: get %s: %w", id, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *Store) GetMany(ctx context.Context, ids []chunkid.ID, fn func(chunkid.ID, []byte) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	type result struct {
		id   chunkid.ID
		data []byte
	}
	results := make(chan result)
	done := make(chan error, 1)
	go func() {
		var err error
		for r := range results {
			if err == nil {
				err = fn(r.id, r.data)
			}
		}
		done <- err
	}()

	for _, id := range ids {
		id := id
		g.Go(func() error {
			data, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			select {
			case results <- result{id, data}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}

	fetchErr := g.Wait()
	close(results)
	fnErr := <-done
	if fetchErr != nil {
		return fetchErr
	}
	return fnErr
}

func (s *Store) Put(ctx context.Context, id chunkid.ID, ciphertext []byte, wait bool) error {
	upload := func() error {
		blob := s.client.NewBlockBlobClient(s.blobName(id))
		_, err := blob.UploadBuffer(ctx, ciphertext, nil)
		return err
	}
	if wait {
		if err := upload(); err != nil {
			return fmt.Errorf("azureblob: put %s: %w", id, err)
		}
		return nil
	}
	go upload()
	return nil
}

func (s *Store) Delete(ctx context.Context, id chunkid.ID, wait bool) error {
	del := func() error {
		blob := s.client.NewBlobClient(s.blobName(id))
		_, err := blob.Delete(ctx, nil)
		if azblobErrors.HasCode(err, azblobErrors.BlobNotFound) {
			return nil
		}
		return err
	}
	if wait {
		if err := del(); err != nil {
			return fmt.Errorf("azureblob: delete %s: %w", id, err)
		}
		return nil
	}
	go del()
	return nil
}
