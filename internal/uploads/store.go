package uploads

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/breeze-rmm/recorder/internal/config"
)

// Store is a remote destination for artifacts. Put must not retry on its
// own: a failed Put becomes an Error task.
type Store interface {
	Name() string
	Put(ctx context.Context, a Artifact) error
}

// NewStore builds the store selected by cfg.Kind.
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	var (
		store Store
		err   error
	)
	switch cfg.Kind {
	case config.StoreHTTP, "":
		store = NewHTTPStore(cfg.URL, cfg.AuthToken, timeout)
	case config.StoreS3:
		store, err = NewS3Store(ctx, cfg)
	case config.StoreGCS:
		store, err = NewGCSStore(ctx, cfg)
	case config.StoreAzure:
		store, err = NewAzureStore(cfg)
	case config.StoreB2:
		store, err = NewB2Store(ctx, cfg)
	case config.StoreLocal:
		store = NewLocalStore(cfg.Dir, cfg.Prefix)
	default:
		err = fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// objectKey places filename under prefix using forward slashes.
func objectKey(prefix, filename string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return filename
	}
	return path.Join(prefix, filename)
}
