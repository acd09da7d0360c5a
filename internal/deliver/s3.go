package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/transfer"
)

// DefaultPresignTTL is how long presigned GET URLs stay valid
const DefaultPresignTTL = 24 * time.Hour

// DefaultRegion is used when neither the config nor the environment sets one
const DefaultRegion = "us-east-1"

// S3Config configures the S3 store
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string // custom endpoint, enables path-style addressing
	Prefix     string
	PresignTTL time.Duration
	// AWSConfig overrides the default credential chain. Optional.
	AWSConfig *aws.Config
}

// S3Store uploads objects to an S3 bucket and hands out presigned GET URLs
type S3Store struct {
	cfg     S3Config
	client  *s3.Client
	presign *s3.PresignClient
	limits  transfer.Limits
}

// NewS3Store creates an S3 store
func NewS3Store(ctx context.Context, cfg S3Config, limits transfer.Limits) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is not set")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}

	var awsCfg aws.Config
	if cfg.AWSConfig != nil {
		awsCfg = *cfg.AWSConfig
	} else {
		loaded, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		awsCfg = loaded
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = DefaultRegion
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, opts...)
	return &S3Store{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		limits:  limits,
	}, nil
}

// Name implements Store
func (s *S3Store) Name() string { return BackendS3 }

// Put uploads obj under a unique key and returns a presigned GET URL
func (s *S3Store) Put(ctx context.Context, obj Object, onProgress model.ProgressFunc) (string, error) {
	const op = "deliver.s3"

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
	body := newSeekProgress(f, obj.Size, wd, onProgress)
	_, err = s.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(obj.Size),
		ContentType:   aws.String(obj.ContentType),
		Metadata:      obj.Metadata,
	})
	if err != nil {
		return "", classifyStoreError(ctx, wd, op, err, s3Status(err))
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	return req.URL, nil
}

func s3Status(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// ObjectKey returns a collision free object key for name
func ObjectKey(prefix, name string) string {
	return path.Join(prefix, uuid.NewString(), name)
}

// classifyStoreError maps an SDK error to the error taxonomy
func classifyStoreError(ctx context.Context, wd *transfer.Watchdog, op string, err error, status int) error {
	switch {
	case ctx.Err() != nil:
		return model.Cancelled(op)
	case wd.Fired():
		return model.Errorf(model.ClassStalled, op, "upload stalled")
	case status > 0:
		if class := transfer.ClassifyStatus(status); class != model.ClassNone {
			return model.NewError(class, op, err)
		}
	}
	return model.NewError(model.ClassRemoteRejected, op, err)
}

// seekProgress reports read progress of an upload body. The SDK may read
// the body more than once (checksums, retries); the tracker never goes
// backwards, so a rewind only pauses the reported progress.
type seekProgress struct {
	rs         io.ReadSeeker
	pos        int64
	tracker    *model.ProgressTracker
	wd         *transfer.Watchdog
	onProgress model.ProgressFunc
}

func newSeekProgress(rs io.ReadSeeker, size int64, wd *transfer.Watchdog, onProgress model.ProgressFunc) *seekProgress {
	return &seekProgress{
		rs:         rs,
		tracker:    model.NewProgressTracker(model.UnitBytes, size),
		wd:         wd,
		onProgress: onProgress,
	}
}

func (p *seekProgress) Read(b []byte) (int, error) {
	n, err := p.rs.Read(b)
	if n > 0 {
		p.pos += int64(n)
		p.wd.Kick()
		p.onProgress.Emit(p.tracker.Update(p.pos))
	}
	return n, err
}

func (p *seekProgress) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.rs.Seek(offset, whence)
	if err == nil {
		p.pos = pos
	}
	return pos, err
}
