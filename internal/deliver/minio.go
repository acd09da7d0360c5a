package deliver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/transfer"
)

// MinioConfig configures the MinIO store
type MinioConfig struct {
	Endpoint   string // host:port
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	Secure     bool
	Prefix     string
	PresignTTL time.Duration
}

// MinioStore uploads objects to a MinIO (or any S3 compatible) bucket
type MinioStore struct {
	cfg    MinioConfig
	client *minio.Client
	limits transfer.Limits
}

// NewMinioStore creates a MinIO store
func NewMinioStore(cfg MinioConfig, limits transfer.Limits) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket must be set")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{cfg: cfg, client: client, limits: limits}, nil
}

// Name implements Store
func (s *MinioStore) Name() string { return BackendMinio }

// Put uploads obj under a unique key and returns a presigned GET URL
func (s *MinioStore) Put(ctx context.Context, obj Object, onProgress model.ProgressFunc) (string, error) {
	const op = "deliver.minio"

	f, err := os.Open(obj.Path)
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	defer f.Close()

	putCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wd := transfer.NewWatchdog(s.limits.StallTimeout, cancel)
	defer wd.Stop()

	key := ObjectKey(s.cfg.Prefix, obj.Name)
	_, err = s.client.PutObject(putCtx, s.cfg.Bucket, key, f, obj.Size, minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
		Progress:     newMinioProgress(obj.Size, wd, onProgress),
	})
	if err != nil {
		return "", classifyStoreError(ctx, wd, op, err, minio.ToErrorResponse(err).StatusCode)
	}

	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.PresignTTL, url.Values{})
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	return u.String(), nil
}

// minioProgress is the reader minio-go feeds with every uploaded chunk
type minioProgress struct {
	done       int64
	tracker    *model.ProgressTracker
	wd         *transfer.Watchdog
	onProgress model.ProgressFunc
}

func newMinioProgress(size int64, wd *transfer.Watchdog, onProgress model.ProgressFunc) *minioProgress {
	return &minioProgress{
		tracker:    model.NewProgressTracker(model.UnitBytes, size),
		wd:         wd,
		onProgress: onProgress,
	}
}

func (p *minioProgress) Read(b []byte) (int, error) {
	p.done += int64(len(b))
	p.wd.Kick()
	p.onProgress.Emit(p.tracker.Update(p.done))
	return len(b), nil
}
