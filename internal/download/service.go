package download

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/fallback"
	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
	"github.com/ytget/mediajobs/internal/transfer"
)

// Backend names reported in attempts
const (
	BackendHTTP     = "http"
	BackendLocal    = "local"
	BackendYTDLP    = "yt-dlp"
	BackendResolver = "resolver"
)

// sourceBase is the file name stem of every fetched source
const sourceBase = "source"

// Options configures the fetch Service
type Options struct {
	Limits   transfer.Limits
	YTDLP    YTDLPConfig
	Resolver ResolverConfig
}

// Service handles the fetch stage
type Service struct {
	engine    *transfer.Engine
	limits    transfer.Limits
	primary   Fetcher // resolved links
	secondary Fetcher // resolved links, nil disables fallback
	log       *zap.Logger
}

// NewService creates a new fetch service
func NewService(engine *transfer.Engine, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if engine == nil {
		engine = transfer.New(transfer.WithLogger(log))
	}
	if opts.Limits == (transfer.Limits{}) {
		opts.Limits = transfer.DefaultLimits()
	}
	log = log.With(zap.String("stage", string(model.StageDownload)))

	s := &Service{
		engine:  engine,
		limits:  opts.Limits,
		primary: NewYTDLPStrategy(opts.YTDLP, opts.Limits, log),
		log:     log,
	}
	if opts.Resolver.Endpoint != "" {
		s.secondary = NewResolverStrategy(opts.Resolver, engine, opts.Limits, log)
	}
	return s
}

// WithStrategies replaces the resolved-link strategies
func (s *Service) WithStrategies(primary, secondary Fetcher) *Service {
	s.primary = primary
	s.secondary = secondary
	return s
}

// Fetch retrieves the job source into dir and returns the fetched artifact
// together with the backend attempts made.
func (s *Service) Fetch(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, []model.BackendAttempt, error) {
	if err := platform.CreateDirectoryIfNotExists(dir); err != nil {
		return model.Artifact{}, nil, model.NewError(model.ClassInternal, "download.fetch", err)
	}
	s.log.Info("fetch started", zap.String("source", string(spec.Source)))

	var (
		a        model.Artifact
		attempts []model.BackendAttempt
		err      error
	)
	switch spec.Source {
	case model.SourceURL:
		a, err = s.fetchURL(ctx, spec.Locator, dir, onProgress)
		attempts = single(BackendHTTP, err)
	case model.SourceUploadedFile:
		if filepath.IsAbs(spec.Locator) {
			a, err = s.copyLocal(ctx, spec.Locator, dir, onProgress)
			attempts = single(BackendLocal, err)
		} else {
			a, err = s.fetchURL(ctx, spec.Locator, dir, onProgress)
			attempts = single(BackendHTTP, err)
		}
	case model.SourceResolvedLink:
		a, attempts, err = s.fetchResolved(ctx, spec, dir, onProgress)
	default:
		err = model.Errorf(model.ClassInternal, "download.fetch", "unknown source kind %q", spec.Source)
	}
	if err != nil {
		return model.Artifact{}, attempts, err
	}

	a.Streamable = spec.DeliverAs == model.DeliverStream
	if spec.Name != "" {
		a.Name = displayName(spec.Name, a.Name)
	}
	s.log.Info("fetch finished", zap.String("name", a.Name), zap.Int64("bytes", a.Size))
	return a, attempts, nil
}

func (s *Service) fetchURL(ctx context.Context, rawURL, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	f, err := s.engine.Download(ctx, rawURL, filepath.Join(dir, sourceBase), s.limits, onProgress)
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{Path: f.Path, Name: f.Name, Size: f.Size, ContentType: f.ContentType}, nil
}

// copyLocal copies an uploaded file handed over as a local path, so the
// original stays untouched and the size ceiling applies.
func (s *Service) copyLocal(ctx context.Context, src, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	const op = "download.local"

	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Artifact{}, model.NewError(model.ClassNotFound, op, err)
		}
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}

	dst := filepath.Join(dir, sourceBase+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}
	n, err := s.engine.Stream(ctx, in, info.Size(), out, s.limits, onProgress)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = model.NewError(model.ClassInternal, op, cerr)
	}
	if err != nil {
		_ = os.Remove(dst)
		return model.Artifact{}, err
	}
	a := model.Artifact{Path: dst, Name: platform.SafeFilename(filepath.Base(src)), Size: n}
	if mt, err := mimetype.DetectFile(dst); err == nil {
		a.ContentType = mt.String()
	}
	return a, nil
}

func (s *Service) fetchResolved(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, []model.BackendAttempt, error) {
	if s.primary == nil {
		return model.Artifact{}, nil, model.Errorf(model.ClassInternal, "download.resolve", "no resolver configured")
	}
	primary := s.strategy(BackendYTDLP, s.primary, spec, filepath.Join(dir, BackendYTDLP), onProgress)
	var secondary fallback.Strategy[model.Artifact]
	if s.secondary != nil {
		secondary = s.strategy(BackendResolver, s.secondary, spec, filepath.Join(dir, BackendResolver), onProgress)
	}
	res, err := fallback.Execute(ctx, s.log, primary, secondary, fallback.DefaultEligible)
	if err != nil {
		return model.Artifact{}, res.Attempts, err
	}
	return res.Value, res.Attempts, nil
}

func (s *Service) strategy(name string, f Fetcher, spec model.JobSpec, dir string, onProgress model.ProgressFunc) fallback.Strategy[model.Artifact] {
	return fallback.Strategy[model.Artifact]{
		Name: name,
		Run: func(ctx context.Context) (model.Artifact, error) {
			if err := platform.CreateDirectoryIfNotExists(dir); err != nil {
				return model.Artifact{}, model.NewError(model.ClassInternal, "download."+name, err)
			}
			return f.Fetch(ctx, spec, dir, onProgress)
		},
		Cleanup: func() { _ = os.RemoveAll(dir) },
	}
}

// describeFile builds an artifact for a file a tool wrote
func describeFile(path string) (model.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Artifact{}, err
	}
	a := model.Artifact{Path: path, Name: filepath.Base(path), Size: info.Size()}
	if mt, err := mimetype.DetectFile(path); err == nil {
		a.ContentType = mt.String()
	}
	return a, nil
}

func single(backend string, err error) []model.BackendAttempt {
	a := model.BackendAttempt{Strategy: model.StrategyPrimary, Backend: backend}
	if err != nil {
		a.Class = model.ClassOf(err)
		a.Err = err
	}
	return []model.BackendAttempt{a}
}

// displayName applies a user supplied name, keeping the fetched extension
// when the user left it out.
func displayName(requested, fetched string) string {
	name := platform.SafeFilename(requested)
	if filepath.Ext(name) == "" {
		name += filepath.Ext(fetched)
	}
	return name
}
