package cloudconvert

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
	"github.com/ytget/mediajobs/internal/transcode"
	"github.com/ytget/mediajobs/internal/transfer"
)

// Task names used in submitted jobs
const (
	taskImport  = "import-1"
	taskConvert = "convert-1"
	taskExport  = "export-1"
)

// Transformer is the remote transform strategy
type Transformer struct {
	client *Client
	engine *transfer.Engine
	limits transfer.Limits
	log    *zap.Logger
}

// NewTransformer creates the remote strategy
func NewTransformer(client *Client, engine *transfer.Engine, limits transfer.Limits, log *zap.Logger) *Transformer {
	if engine == nil {
		engine = transfer.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transformer{client: client, engine: engine, limits: limits, log: log}
}

// BuildTasks returns the job definition for a transform
func BuildTasks(t model.Transform) (map[string]any, error) {
	convert := map[string]any{
		"operation":    OperationConvert,
		"input":        taskImport,
		"input_format": "auto",
		"engine":       "ffmpeg",
	}

	switch t.Kind {
	case model.TransformEncode:
		height, ok := model.ProfileHeight(t.Profile)
		if !ok {
			return nil, fmt.Errorf("unknown encode profile %q", t.Profile)
		}
		convert["output_format"] = "mp4"
		convert["video_codec"] = "x264"
		convert["crf"], _ = strconv.Atoi(transcode.VideoCRF)
		convert["audio_codec"] = "aac"
		convert["audio_bitrate"] = kbps(transcode.AudioBitrate)
		if height > 0 {
			convert["height"] = height
		}
	case model.TransformExtract:
		bitrate, ok := model.DefaultBitrate(t.Format)
		if !ok {
			return nil, fmt.Errorf("unknown extract format %q", t.Format)
		}
		if t.Bitrate != "" {
			bitrate = t.Bitrate
		}
		convert["output_format"] = strings.ToLower(t.Format)
		if bitrate != "" {
			convert["audio_bitrate"] = kbps(bitrate)
		}
	default:
		return nil, fmt.Errorf("nothing to do for transform %s", t)
	}

	return map[string]any{
		taskImport:  map[string]any{"operation": OperationImportUpload},
		taskConvert: convert,
		taskExport:  map[string]any{"operation": OperationExportURL, "input": taskConvert},
	}, nil
}

// Transform submits a job, uploads the source, waits for the conversion and
// downloads the result into dir.
func (r *Transformer) Transform(ctx context.Context, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	const op = "cloudconvert.transform"

	tasks, err := BuildTasks(t)
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}

	job, err := r.client.Submit(ctx, tasks)
	if err != nil {
		return model.Artifact{}, err
	}
	log := r.log.With(zap.String("remote_job", job.ID))
	log.Info("remote job submitted", zap.String("transform", t.String()))

	form, ok := FindUploadForm(job)
	if !ok {
		return model.Artifact{}, model.Errorf(model.ClassRemoteRejected, op, "job %s has no upload form", job.ID)
	}

	// one progress scale for the whole attempt: the upload fills the import
	// task's share, polling reports finished tasks
	tracker := model.NewProgressTracker(model.UnitPercent, 100)
	share := 100 / int64(len(tasks))
	uploadProgress := func(s model.ProgressSample) {
		if s.Total > 0 {
			onProgress.Emit(tracker.Update(s.Done * share / s.Total))
		}
	}
	if err := r.client.Upload(ctx, form, in.Path, r.limits, uploadProgress); err != nil {
		return model.Artifact{}, err
	}

	job, err = r.client.Wait(ctx, job.ID, func(s model.ProgressSample) {
		onProgress.Emit(tracker.Update(s.Done))
	})
	if err != nil {
		return model.Artifact{}, err
	}

	file, ok := ExportURL(job)
	if !ok {
		return model.Artifact{}, model.Errorf(model.ClassRemoteRejected, op, "job %s finished without export", job.ID)
	}

	ext := transcode.OutputExtension(t)
	out := filepath.Join(dir, "output"+ext)
	fetched, err := r.engine.Download(ctx, file.URL, out, r.limits, nil)
	if err != nil {
		return model.Artifact{}, err
	}
	onProgress.Emit(tracker.Update(100))
	log.Info("remote result fetched", zap.Int64("bytes", fetched.Size))

	return model.Artifact{
		Path:        out,
		Name:        platform.ReplaceExt(in.Name, ext),
		Size:        fetched.Size,
		ContentType: fetched.ContentType,
		Streamable:  in.Streamable,
	}, nil
}

// kbps turns "128k" into 128
func kbps(bitrate string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(bitrate), "k"))
	if err != nil {
		return 0
	}
	return n
}
