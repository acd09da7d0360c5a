package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/fallback"
	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
)

// Backend names reported in attempts
const (
	BackendFFmpeg = "ffmpeg"
	BackendRemote = "cloudconvert"
)

// LocalTransformer encodes and extracts with a local ffmpeg
type LocalTransformer struct {
	ffmpeg string
	runner ProcessRunner
	prober *Prober
	log    *zap.Logger
}

// NewLocalTransformer creates the local transform strategy
func NewLocalTransformer(ffmpeg string, runner ProcessRunner, prober *Prober, log *zap.Logger) *LocalTransformer {
	if ffmpeg == "" {
		ffmpeg = FFmpegCommand
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalTransformer{ffmpeg: ffmpeg, runner: runner, prober: prober, log: log}
}

// Transform runs ffmpeg for t and returns the produced artifact
func (l *LocalTransformer) Transform(ctx context.Context, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	const op = "transcode.local"

	var totalMicros int64
	if in.Media != nil && in.Media.Duration > 0 {
		totalMicros = in.Media.Duration.Microseconds()
	} else if l.prober != nil {
		info, err := l.prober.Probe(ctx, in.Path)
		if err != nil {
			if model.ClassOf(err) == model.ClassCancelled {
				return model.Artifact{}, err
			}
			// unknown duration only degrades progress to indeterminate
			l.log.Debug("probe failed", zap.String("path", in.Path), zap.Error(err))
		} else {
			totalMicros = info.Duration.Microseconds()
		}
	}

	ext := OutputExtension(t)
	out := filepath.Join(dir, "output"+ext)

	var (
		args []string
		err  error
	)
	switch t.Kind {
	case model.TransformEncode:
		args, err = BuildEncodeArgs(in.Path, out, t.Profile)
	case model.TransformExtract:
		args, err = BuildExtractArgs(in.Path, out, t.Format, t.Bitrate)
	default:
		err = fmt.Errorf("nothing to do for transform %s", t)
	}
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}

	if _, err := l.runner.Run(ctx, Command{Name: l.ffmpeg, Args: args, Output: out, TotalMicros: totalMicros}, onProgress); err != nil {
		_ = os.Remove(out)
		return model.Artifact{}, err
	}
	return finishArtifact(in, t, out)
}

// finishArtifact describes a transform result written to path
func finishArtifact(in model.Artifact, t model.Transform, path string) (model.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassTransformFailed, "transcode.result", err)
	}
	return model.Artifact{
		Path:       path,
		Name:       platform.ReplaceExt(in.Name, OutputExtension(t)),
		Size:       info.Size(),
		Streamable: in.Streamable,
	}, nil
}

// Options configures the transform Service
type Options struct {
	FFmpeg      string
	FFprobe     string
	KillTimeout time.Duration
	TailLines   int
	// Remote is the secondary strategy, nil disables fallback.
	Remote Transformer
	// FallbackOnFailure also switches to Remote when ffmpeg exits with an error.
	FallbackOnFailure bool
}

// Service runs the transform stage
type Service struct {
	ffmpeg   string
	runner   ProcessRunner
	prober   *Prober
	local    Transformer
	remote   Transformer
	eligible fallback.Eligibility
	log      *zap.Logger
}

// NewService creates the transform stage service
func NewService(opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = FFmpegCommand
	}
	log = log.With(zap.String("stage", string(model.StageTransform)))
	runner := NewRunner(opts.KillTimeout, opts.TailLines, log)
	prober := NewProber(opts.FFprobe, opts.KillTimeout, log)

	eligible := fallback.Eligibility(fallback.DefaultEligible)
	if opts.FallbackOnFailure {
		eligible = fallback.Including(model.ClassTransformFailed)
	}
	return &Service{
		ffmpeg:   opts.FFmpeg,
		runner:   runner,
		prober:   prober,
		local:    NewLocalTransformer(opts.FFmpeg, runner, prober, log),
		remote:   opts.Remote,
		eligible: eligible,
		log:      log,
	}
}

// WithStrategies replaces the local and remote strategies
func (s *Service) WithStrategies(local, remote Transformer) *Service {
	s.local = local
	s.remote = remote
	return s
}

// Transform runs the local strategy and falls back to the remote one when
// the failure class allows it. Each strategy writes into its own scratch
// directory under dir; a failed strategy's directory is removed before the
// next one starts.
func (s *Service) Transform(ctx context.Context, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) (model.Artifact, []model.BackendAttempt, error) {
	primary := s.strategy(BackendFFmpeg, s.local, in, t, filepath.Join(dir, BackendFFmpeg), onProgress)
	var secondary fallback.Strategy[model.Artifact]
	if s.remote != nil {
		secondary = s.strategy(BackendRemote, s.remote, in, t, filepath.Join(dir, BackendRemote), onProgress)
	}

	s.log.Info("transform started", zap.String("transform", t.String()), zap.Int64("bytes", in.Size))
	res, err := fallback.Execute(ctx, s.log, primary, secondary, s.eligible)
	if err != nil {
		return model.Artifact{}, res.Attempts, err
	}
	s.log.Info("transform finished", zap.String("strategy", res.Backend), zap.Int64("bytes", res.Value.Size))
	return res.Value, res.Attempts, nil
}

func (s *Service) strategy(name string, tr Transformer, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) fallback.Strategy[model.Artifact] {
	return fallback.Strategy[model.Artifact]{
		Name: name,
		Run: func(ctx context.Context) (model.Artifact, error) {
			if err := platform.CreateDirectoryIfNotExists(dir); err != nil {
				return model.Artifact{}, model.NewError(model.ClassInternal, "transcode."+name, err)
			}
			return tr.Transform(ctx, in, t, dir, onProgress)
		},
		Cleanup: func() { _ = os.RemoveAll(dir) },
	}
}

// Describe probes a finished video artifact and attaches media info and a
// middle-frame thumbnail written into dir. Failures leave the artifact as is.
func (s *Service) Describe(ctx context.Context, a model.Artifact, dir string) model.Artifact {
	info, err := s.prober.Probe(ctx, a.Path)
	if err != nil {
		s.log.Debug("probe failed", zap.String("path", a.Path), zap.Error(err))
		return a
	}
	a.Media = &info
	if info.Width == 0 || info.Height == 0 {
		return a
	}

	thumb := filepath.Join(dir, platform.ReplaceExt(filepath.Base(a.Path), "")+"-thumb"+ThumbnailExtension)
	if err := Thumbnail(ctx, s.runner, s.ffmpeg, a.Path, thumb, info.Duration); err != nil {
		s.log.Debug("thumbnail failed", zap.String("path", a.Path), zap.Error(err))
		return a
	}
	a.Thumbnail = thumb
	return a
}
