// Package deliver implements the delivery stage: the finished artifact is
// handed to a storage backend and the job gets back a receipt saying where
// the result can be retrieved.
package deliver

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
	"github.com/ytget/mediajobs/internal/transfer"
)

// Backends
const (
	BackendLocal = "local"
	BackendHTTP  = "http"
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// DefaultContentType is used when detection fails
const DefaultContentType = "application/octet-stream"

// Metadata keys attached to delivered objects
const (
	MetaStreamable = "streamable"
	MetaDuration   = "duration-seconds"
	MetaWidth      = "width"
	MetaHeight     = "height"
)

// Publisher delivers a finished artifact
type Publisher interface {
	Publish(ctx context.Context, a model.Artifact, onProgress model.ProgressFunc) (model.Receipt, error)
}

// Object is one file handed to a Store
type Object struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Store writes objects to one storage backend
type Store interface {
	Name() string
	// Put writes obj and returns the location it can be retrieved from
	Put(ctx context.Context, obj Object, onProgress model.ProgressFunc) (string, error)
}

// StorePublisher publishes artifacts into a Store
type StorePublisher struct {
	store  Store
	limits transfer.Limits
	log    *zap.Logger
}

// NewPublisher creates a publisher over store
func NewPublisher(store Store, limits transfer.Limits, log *zap.Logger) *StorePublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &StorePublisher{
		store:  store,
		limits: limits,
		log:    log.With(zap.String("stage", string(model.StageUpload)), zap.String("backend", store.Name())),
	}
}

// Publish uploads the artifact and, when present, its thumbnail. A failed
// thumbnail upload only drops the thumbnail from the receipt.
func (p *StorePublisher) Publish(ctx context.Context, a model.Artifact, onProgress model.ProgressFunc) (model.Receipt, error) {
	op := "deliver." + p.store.Name()

	info, err := os.Stat(a.Path)
	if err != nil {
		return model.Receipt{}, model.NewError(model.ClassInternal, op, err)
	}
	if p.limits.Exceeds(info.Size()) {
		return model.Receipt{}, model.Errorf(model.ClassSizeExceeded, op, "artifact size %d exceeds limit %d", info.Size(), p.limits.MaxBytes)
	}

	obj := Object{
		Path:        a.Path,
		Name:        a.Name,
		Size:        info.Size(),
		ContentType: ContentType(a),
		Metadata:    Metadata(a),
	}
	if obj.Name == "" {
		obj.Name = info.Name()
	}

	p.log.Info("publish started", zap.String("name", obj.Name), zap.Int64("bytes", obj.Size))
	location, err := p.store.Put(ctx, obj, onProgress)
	if err != nil {
		return model.Receipt{}, err
	}

	receipt := model.Receipt{
		Backend:     p.store.Name(),
		Location:    location,
		Name:        obj.Name,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		Streamable:  a.Streamable,
		Media:       a.Media,
	}
	if a.Thumbnail != "" && ctx.Err() == nil {
		receipt.Thumbnail = p.publishThumbnail(ctx, a, obj.Name)
	}
	p.log.Info("publish finished", zap.String("name", obj.Name))
	return receipt, nil
}

func (p *StorePublisher) publishThumbnail(ctx context.Context, a model.Artifact, name string) string {
	info, err := os.Stat(a.Thumbnail)
	if err != nil {
		p.log.Debug("thumbnail missing", zap.Error(err))
		return ""
	}
	thumb := Object{
		Path:        a.Thumbnail,
		Name:        thumbnailName(name),
		Size:        info.Size(),
		ContentType: "image/jpeg",
	}
	location, err := p.store.Put(ctx, thumb, nil)
	if err != nil {
		p.log.Debug("thumbnail upload failed", zap.Error(err))
		return ""
	}
	return location
}

// ContentType returns the artifact's content type, sniffing the file when unset
func ContentType(a model.Artifact) string {
	if a.ContentType != "" && a.ContentType != DefaultContentType {
		return a.ContentType
	}
	mt, err := mimetype.DetectFile(a.Path)
	if err != nil {
		return DefaultContentType
	}
	return mt.String()
}

// Metadata returns the object metadata describing the artifact
func Metadata(a model.Artifact) map[string]string {
	meta := map[string]string{}
	if a.Streamable {
		meta[MetaStreamable] = "true"
	}
	if a.Media != nil {
		if a.Media.Duration > 0 {
			meta[MetaDuration] = strconv.FormatInt(int64(a.Media.Duration/time.Second), 10)
		}
		if a.Media.Width > 0 && a.Media.Height > 0 {
			meta[MetaWidth] = strconv.Itoa(a.Media.Width)
			meta[MetaHeight] = strconv.Itoa(a.Media.Height)
		}
	}
	return meta
}

func thumbnailName(name string) string {
	return platform.ReplaceExt(name, "") + "-thumb.jpg"
}
