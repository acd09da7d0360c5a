package deliver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/transfer"
)

// Config selects and configures the delivery backend
type Config struct {
	Backend  string
	LocalDir string
	HTTPURL  string
	S3       S3Config
	Minio    MinioConfig
}

// NewStore creates the Store named by cfg.Backend
func NewStore(ctx context.Context, cfg Config, engine *transfer.Engine, limits transfer.Limits) (Store, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalStore(cfg.LocalDir, engine, limits)
	case BackendHTTP:
		return NewHTTPStore(cfg.HTTPURL, engine, limits)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3, limits)
	case BackendMinio:
		return NewMinioStore(cfg.Minio, limits)
	}
	return nil, fmt.Errorf("unknown delivery backend %q", cfg.Backend)
}

// New creates a publisher for the configured backend
func New(ctx context.Context, cfg Config, engine *transfer.Engine, limits transfer.Limits, log *zap.Logger) (*StorePublisher, error) {
	store, err := NewStore(ctx, cfg, engine, limits)
	if err != nil {
		return nil, err
	}
	return NewPublisher(store, limits, log), nil
}
