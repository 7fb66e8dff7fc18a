package uploads

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/recorder/internal/config"
)

// B2Store uploads to a Backblaze B2 bucket.
type B2Store struct {
	prefix string
	bucket *b2.Bucket
}

func NewB2Store(ctx context.Context, cfg config.StoreConfig) (*B2Store, error) {
	if cfg.Bucket == "" || cfg.AccountID == "" || cfg.ApplicationKey == "" {
		return nil, fmt.Errorf("b2 bucket, account id and application key are required")
	}
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("authorize b2 account: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Store{prefix: cfg.Prefix, bucket: bucket}, nil
}

func (s *B2Store) Name() string { return "b2" }

func (s *B2Store) Put(ctx context.Context, a Artifact) error {
	key := objectKey(s.prefix, a.Filename)
	w := s.bucket.Object(key).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{
		ContentType: a.ContentType,
		Info:        a.Meta.Map(),
	}))
	if _, err := io.Copy(w, bytes.NewReader(a.Data)); err != nil {
		w.Close()
		return fmt.Errorf("b2 write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 put %s: %w", key, err)
	}
	return nil
}
