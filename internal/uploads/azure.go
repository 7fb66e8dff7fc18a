package uploads

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/breeze-rmm/recorder/internal/config"
)

// AzureStore uploads block blobs into a container.
type AzureStore struct {
	container string
	prefix    string
	client    *azblob.Client
}

func NewAzureStore(cfg config.StoreConfig) (*AzureStore, error) {
	if cfg.ConnectionString == "" || cfg.Container == "" {
		return nil, fmt.Errorf("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureStore{container: cfg.Container, prefix: cfg.Prefix, client: client}, nil
}

func (s *AzureStore) Name() string { return "azure" }

func (s *AzureStore) Put(ctx context.Context, a Artifact) error {
	key := objectKey(s.prefix, a.Filename)
	meta := make(map[string]*string)
	for k, v := range a.Meta.Map() {
		meta[k] = &v
	}
	contentType := a.ContentType
	_, err := s.client.UploadBuffer(ctx, s.container, key, a.Data, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("azure put %s/%s: %w", s.container, key, err)
	}
	return nil
}
