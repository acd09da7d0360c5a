package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
	"github.com/ytget/mediajobs/internal/transcode"
	"github.com/ytget/mediajobs/internal/transfer"
)

// yt-dlp defaults
const (
	DefaultBinary        = "yt-dlp"
	DefaultFormat        = "bv*+ba/b"
	AudioFormat          = "ba/b"
	DefaultRetries       = 1
	DefaultRetryDelay    = 2 * time.Second
	DefaultSocketTimeout = 30 * time.Second
	DefaultTailLines     = 35
	progressInterval     = 500 * time.Millisecond
	progressPrefix       = "progress:"
	mergeOutputFormat    = "mp4"
	outputTemplateTail   = ".%(ext)s"
)

// YTDLPConfig configures the yt-dlp strategy
type YTDLPConfig struct {
	Binary        string // empty uses yt-dlp from PATH
	Format        string // format used when the transform does not pick one
	Cookies       string // optional cookies.txt
	Retries       int
	RetryDelay    time.Duration
	SocketTimeout time.Duration
	KillTimeout   time.Duration
	TailLines     int
}

// YTDLPStrategy resolves and downloads a link with yt-dlp. The process runs
// in its own group so cancellation also stops the ffmpeg helpers it spawns.
type YTDLPStrategy struct {
	cfg    YTDLPConfig
	limits transfer.Limits
	runner transcode.ProcessRunner
	log    *zap.Logger
}

// NewYTDLPStrategy creates the yt-dlp strategy
func NewYTDLPStrategy(cfg YTDLPConfig, limits transfer.Limits, log *zap.Logger) *YTDLPStrategy {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = DefaultSocketTimeout
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("strategy", BackendYTDLP))
	return &YTDLPStrategy{
		cfg:    cfg,
		limits: limits,
		runner: transcode.NewRunner(cfg.KillTimeout, cfg.TailLines, log),
		log:    log,
	}
}

// FormatSelector picks the yt-dlp format for a transform: audio only for
// extraction, capped height for sized encode profiles, fallback otherwise.
func FormatSelector(t model.Transform, fallback string) string {
	switch t.Kind {
	case model.TransformExtract:
		return AudioFormat
	case model.TransformEncode:
		if h, ok := model.ProfileHeight(t.Profile); ok && h > 0 {
			return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]/best", h, h)
		}
	}
	if fallback == "" {
		return DefaultFormat
	}
	return fallback
}

// Fetch downloads spec.Locator into dir, retrying transient rejections
func (y *YTDLPStrategy) Fetch(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	const op = "download.ytdlp"

	var lastErr error
	for attempt := 0; attempt <= y.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(y.cfg.RetryDelay):
			case <-ctx.Done():
				return model.Artifact{}, model.Cancelled(op)
			}
			y.log.Warn("retrying yt-dlp", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}

		a, err := y.fetchOnce(ctx, spec, dir, onProgress)
		if err == nil {
			return a, nil
		}
		lastErr = err
		if model.ClassOf(err) != model.ClassRemoteRejected {
			break
		}
	}
	return model.Artifact{}, lastErr
}

func (y *YTDLPStrategy) fetchOnce(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	const op = "download.ytdlp"

	dl := y.command(spec.Transform, dir)
	if err := dl.GetFlagConfig().Validate(); err != nil {
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// armed only while bytes flow; extraction and post-processing have no
	// byte progress and rely on --socket-timeout
	wd := transfer.NewPausedWatchdog(y.limits.StallTimeout, cancel)
	defer wd.Stop()

	var exceeded atomic.Bool
	tracker := model.NewProgressTracker(model.UnitBytes, 0)
	acc := &fileAccumulator{}
	var title titleHolder

	handle := func(update ytdlp.ProgressUpdate) {
		switch update.Status {
		case ytdlp.ProgressStatusDownloading:
			wd.Kick()
		case ytdlp.ProgressStatusFinished, ytdlp.ProgressStatusPostProcessing, ytdlp.ProgressStatusError:
			wd.Pause()
		}
		if update.Info != nil && update.Info.Title != nil {
			title.set(*update.Info.Title)
		}
		done, total := acc.update(update.Filename, int64(update.DownloadedBytes), int64(update.TotalBytes))
		if y.limits.Exceeds(done) || y.limits.Exceeds(total) {
			exceeded.Store(true)
			cancel()
			return
		}
		tracker.SetTotal(total)
		onProgress.Emit(tracker.Update(done))
	}

	_, err := y.runner.Run(runCtx, transcode.Command{
		Name: y.cfg.Binary,
		Args: commandArgs(dl, spec.Locator),
		Dir:  dir,
		OnLine: func(line string) bool {
			update, ok := parseProgress(line)
			if ok && update.Status != "" {
				handle(update)
			}
			return ok
		},
	}, nil)
	switch {
	case exceeded.Load():
		return model.Artifact{}, model.Errorf(model.ClassSizeExceeded, op, "download exceeds limit %d", y.limits.MaxBytes)
	case ctx.Err() != nil:
		return model.Artifact{}, model.Cancelled(op)
	case wd.Fired():
		return model.Artifact{}, model.Errorf(model.ClassStalled, op, "no progress for %s", y.limits.StallTimeout)
	case err != nil:
		tail := model.TailOf(err)
		cause := err
		var re *model.Error
		if errors.As(err, &re) && re.Err != nil {
			cause = re.Err
		}
		e := model.NewError(ClassifyOutput(strings.Join(tail, "\n")+"\n"+cause.Error()), op, cause)
		e.Tail = tail
		return model.Artifact{}, e
	}

	path, err := platform.FindOutputFile(dir, sourceBase)
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassRemoteRejected, op, err)
	}
	a, err := describeFile(path)
	if err != nil {
		return model.Artifact{}, model.NewError(model.ClassInternal, op, err)
	}
	if y.limits.Exceeds(a.Size) {
		return model.Artifact{}, model.Errorf(model.ClassSizeExceeded, op, "file size %d exceeds limit %d", a.Size, y.limits.MaxBytes)
	}
	if t := title.get(); t != "" {
		a.Name = platform.SafeFilename(t) + filepath.Ext(path)
	}
	y.log.Debug("yt-dlp finished", zap.String("path", path), zap.Int64("bytes", a.Size))
	return a, nil
}

func (y *YTDLPStrategy) command(t model.Transform, dir string) *ytdlp.Command {
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Format(FormatSelector(t, y.cfg.Format)).
		Output(filepath.Join(dir, sourceBase+outputTemplateTail)).
		SocketTimeout(y.cfg.SocketTimeout.Seconds()).
		Progress().
		Newline().
		ProgressDelta(progressInterval.Seconds()).
		ProgressTemplate(progressPrefix + "%()j")
	if t.Kind != model.TransformExtract {
		dl = dl.MergeOutputFormat(mergeOutputFormat)
	}
	if y.limits.MaxBytes > 0 {
		dl = dl.MaxFileSize(strconv.FormatInt(y.limits.MaxBytes, 10))
	}
	if y.cfg.Cookies != "" {
		dl = dl.Cookies(y.cfg.Cookies)
	}
	return dl
}

// commandArgs flattens the builder's flags into an argv ending with url
func commandArgs(dl *ytdlp.Command, url string) []string {
	var args []string
	for _, f := range dl.GetFlagConfig().ToFlags() {
		args = append(args, f.Raw()...)
	}
	return append(args, "--", url)
}

// progressLine is one line printed by the progress template
type progressLine struct {
	Info     *ytdlp.ExtractedInfo `json:"info"`
	Progress struct {
		Status             ytdlp.ProgressStatus `json:"status"`
		TotalBytes         float64              `json:"total_bytes"`
		TotalBytesEstimate float64              `json:"total_bytes_estimate"`
		DownloadedBytes    float64              `json:"downloaded_bytes"`
		Filename           string               `json:"filename"`
		TmpFilename        string               `json:"tmpfilename"`
	} `json:"progress"`
}

// parseProgress decodes a progress template line. Lines carrying the prefix
// are always consumed, malformed ones as an empty update.
func parseProgress(line string) (ytdlp.ProgressUpdate, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok {
		return ytdlp.ProgressUpdate{}, false
	}
	var data progressLine
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ytdlp.ProgressUpdate{}, true
	}
	p := data.Progress
	update := ytdlp.ProgressUpdate{
		Info:            data.Info,
		Status:          p.Status,
		TotalBytes:      int(p.TotalBytes),
		DownloadedBytes: int(p.DownloadedBytes),
		Filename:        p.Filename,
	}
	if update.TotalBytes == 0 {
		update.TotalBytes = int(p.TotalBytesEstimate)
	}
	if update.Filename == "" {
		update.Filename = p.TmpFilename
	}
	return update, true
}

type titleHolder struct {
	mu    sync.Mutex
	title string
}

func (h *titleHolder) set(t string) {
	if t = strings.TrimSpace(t); t == "" {
		return
	}
	h.mu.Lock()
	h.title = t
	h.mu.Unlock()
}

func (h *titleHolder) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.title
}

// ClassifyOutput maps yt-dlp output text to an error class
func ClassifyOutput(text string) model.ErrorClass {
	s := strings.ToLower(text)
	switch {
	case containsAny(s, "max-filesize", "larger than max"):
		return model.ClassSizeExceeded
	case containsAny(s, "login required", "cookies", "sign in to confirm"):
		return model.ClassQuotaOrAuth
	case containsAny(s, "private", "restricted", "unsupported url"):
		return model.ClassNotFound
	case containsAny(s, "429", "rate limit", "too many requests"):
		return model.ClassQuotaOrAuth
	case containsAny(s, "not found", "404", "has been removed", "video unavailable"):
		return model.ClassNotFound
	}
	return model.ClassRemoteRejected
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// lastLines returns the last n non-empty lines of text
func lastLines(text string, n int) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// fileAccumulator turns per-file yt-dlp progress (video and audio streams
// are fetched one after another) into a running total for the whole job.
type fileAccumulator struct {
	mu       sync.Mutex
	current  string
	lastDone int64
	base     int64
}

func (a *fileAccumulator) update(file string, done, total int64) (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if file != a.current {
		if a.current != "" {
			a.base += a.lastDone
		}
		a.current = file
	}
	a.lastDone = done
	if total <= 0 {
		return a.base + done, 0
	}
	return a.base + done, a.base + total
}
