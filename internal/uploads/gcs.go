package uploads

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/recorder/internal/config"
)

// GCSStore uploads to a Google Cloud Storage bucket.
type GCSStore struct {
	bucket string
	prefix string
	client *storage.Client
}

func NewGCSStore(ctx context.Context, cfg config.StoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{bucket: cfg.Bucket, prefix: cfg.Prefix, client: client}, nil
}

func (s *GCSStore) Name() string { return "gcs" }

func (s *GCSStore) Put(ctx context.Context, a Artifact) error {
	key := objectKey(s.prefix, a.Filename)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = a.ContentType
	w.Metadata = a.Meta.Map()
	if _, err := w.Write(a.Data); err != nil {
		// Cancelling before Close abandons the partial object.
		cancel()
		w.Close()
		return fmt.Errorf("gcs write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
