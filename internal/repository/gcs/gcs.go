// Package gcs implements a Repository backend over a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"atticore/internal/chunkid"
	"atticore/internal/repository"
)

const maxConcurrentFetches = 16

// Store is a Repository backed by a GCS bucket.
type Store struct {
	id     chunkid.ID
	client *storage.Client
	bucket string
	prefix string
}

// New constructs a Store using application-default credentials.
func New(ctx context.Context, id chunkid.ID, bucket, prefix string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: new client: %w", err)
	}
	return &Store{id: id, client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *Store) object(id chunkid.ID) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + id.String())
}

func (s *Store) ID() chunkid.ID { return s.id }

func (s *Store) Get(ctx context.Context, id chunkid.ID) ([]byte, error) {
	r, err := s.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gcs: get %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs: get %s: %w", id, err)
	}
	defer r.Close()
	return io.ReadAll(r)
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
	write := func() error {
		w := s.object(id).NewWriter(ctx)
		if _, err := w.Write(ciphertext); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}
	if wait {
		if err := write(); err != nil {
			return fmt.Errorf("gcs: put %s: %w", id, err)
		}
		return nil
	}
	go write()
	return nil
}

func (s *Store) Delete(ctx context.Context, id chunkid.ID, wait bool) error {
	del := func() error {
		err := s.object(id).Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	}
	if wait {
		if err := del(); err != nil {
			return fmt.Errorf("gcs: delete %s: %w", id, err)
		}
		return nil
	}
	go del()
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
