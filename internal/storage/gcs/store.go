// Package gcs stores crawled bodies as objects in a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// Config captures the bucket and the object prefix that plays the role of the
// output directory.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes one object per entry under Prefix.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		return nil, errors.New("object prefix is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Reset deletes every object under the prefix.
func (s *Store) Reset(ctx context.Context) error {
	bkt := s.client.Bucket(s.bucket)
	it := bkt.Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", s.prefix, err)
		}
		if err := bkt.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete object %s: %w", attrs.Name, err)
		}
	}
	return nil
}

// CreateEntry opens a writer for a new object. The upload is finalized when
// the writer is closed; the location is a gs:// URI.
func (s *Store) CreateEntry(ctx context.Context) (io.WriteCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("create entry: %w", err)
	}
	name := path.Join(s.prefix, "entry-"+uuid.NewString())
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	return w, fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
