// Package s3 implements a Repository backend over an S3-compatible object
// store, one blob per key under a configurable prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"atticore/internal/chunkid"
	"atticore/internal/repository"
)

// maxConcurrentFetches bounds GetMany's pipelining.
const maxConcurrentFetches = 16

// Store is a Repository backed by an S3 bucket.
type Store struct {
	id     chunkid.ID
	client *s3.Client
	bucket string
	prefix string
}

// New constructs a Store using the default AWS credential chain.
func New(ctx context.Context, id chunkid.ID, bucket, prefix string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	return &Store{id: id, client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewWithStaticCredentials constructs a Store using an explicit access
// key pair instead of the default credential chain, for repositories
// configured outside the host's AWS environment.
func NewWithStaticCredentials(ctx context.Context, id chunkid.ID, bucket, prefix, region, accessKeyID, secretAccessKey string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	return &Store{id: id, client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (s *Store) key(id chunkid.ID) string {
	return s.prefix + id.String()
}

func (s *Store) ID() chunkid.ID { return s.id }

func (s *Store) Get(ctx context.Context, id chunkid.ID) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.key(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3: get %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("s3: get %s: %w", id, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *Store) GetMany(ctx context.Context, ids []chunkid.ID, fn func(chunkid.ID, []byte) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	results := make(chan struct {
		id   chunkid.ID
		data []byte
	})
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
			case results <- struct {
				id   chunkid.ID
				data []byte
			}{id, data}:
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
	put := func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &s.bucket,
			Key:    awsString(s.key(id)),
			Body:   bytes.NewReader(ciphertext),
		})
		return err
	}
	if wait {
		if err := put(); err != nil {
			return fmt.Errorf("s3: put %s: %w", id, err)
		}
		return nil
	}
	go put()
	return nil
}

func (s *Store) Delete(ctx context.Context, id chunkid.ID, wait bool) error {
	del := func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &s.bucket,
			Key:    awsString(s.key(id)),
		})
		return err
	}
	if wait {
		if err := del(); err != nil {
			return fmt.Errorf("s3: delete %s: %w", id, err)
		}
		return nil
	}
	go del()
	return nil
}

func awsString(s string) *string { return &s }
