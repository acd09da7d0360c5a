package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
)

// DefaultUserAgent is sent with every request unless overridden
const DefaultUserAgent = "Mozilla/5.0 (compatible; mediajobs)"

// sniffLen is how much of a response is inspected to detect HTML pages
const sniffLen = 3072

// Fetched describes a downloaded file
type Fetched struct {
	Path        string
	Name        string // file name derived from the response
	ContentType string
	Size        int64
}

// Engine performs chunked transfers
type Engine struct {
	client    *http.Client
	userAgent string
	log       *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(e *Engine) { e.userAgent = ua }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Engine. The HTTP client has no overall timeout; transfers
// are bounded by the stall watchdog and the caller's context.
func New(opts ...Option) *Engine {
	e := &Engine{
		client:    &http.Client{},
		userAgent: DefaultUserAgent,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream copies src to dst in chunks. declared is the length announced by
// the source, <= 0 when unknown. If src is an io.Closer it is closed to
// unblock a pending read on cancellation or stall.
func (e *Engine) Stream(ctx context.Context, src io.Reader, declared int64, dst io.Writer, limits Limits, onProgress model.ProgressFunc) (int64, error) {
	const op = "transfer.stream"

	if limits.Exceeds(declared) {
		return 0, model.Errorf(model.ClassSizeExceeded, op, "declared size %d exceeds limit %d", declared, limits.MaxBytes)
	}
	if err := ctx.Err(); err != nil {
		return 0, model.Cancelled(op)
	}

	abort := func() {}
	if c, ok := src.(io.Closer); ok {
		var once sync.Once
		abort = func() { once.Do(func() { _ = c.Close() }) }
	}
	stopCancel := context.AfterFunc(ctx, abort)
	defer stopCancel()
	wd := NewWatchdog(limits.StallTimeout, abort)
	defer wd.Stop()

	if declared < 0 {
		declared = 0
	}
	tracker := model.NewProgressTracker(model.UnitBytes, declared)
	buf := make([]byte, limits.chunkSize())
	var total int64

	for {
		if ctx.Err() != nil {
			return total, model.Cancelled(op)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			wd.Kick()
			if limits.Exceeds(total + int64(n)) {
				return total, model.Errorf(model.ClassSizeExceeded, op, "stream exceeds limit %d", limits.MaxBytes)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return total, model.Cancelled(op)
				}
				if wd.Fired() {
					return total, model.NewError(model.ClassStalled, op, werr)
				}
				return total, model.NewError(model.ClassInternal, op, werr)
			}
			total += int64(n)
			onProgress.Emit(tracker.Add(int64(n)))
		}

		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			switch {
			case ctx.Err() != nil:
				return total, model.Cancelled(op)
			case wd.Fired():
				return total, model.Errorf(model.ClassStalled, op, "no data for %s", limits.StallTimeout)
			}
			return total, model.NewError(model.ClassRemoteRejected, op, rerr)
		}
	}
}

// Download fetches rawURL into dst. The partial file is removed on failure.
func (e *Engine) Download(ctx context.Context, rawURL, dst string, limits Limits, onProgress model.ProgressFunc) (Fetched, error) {
	const op = "transfer.download"

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Fetched{}, model.NewError(model.ClassNotFound, op, err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.do(req, limits, cancel)
	if err != nil {
		return Fetched{}, e.requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	if class := ClassifyStatus(resp.StatusCode); class != model.ClassNone {
		return Fetched{}, model.Errorf(class, op, "unexpected status %s", resp.Status)
	}
	if isHTML(resp.Header.Get("Content-Type")) {
		return Fetched{}, model.Errorf(model.ClassNotFound, op, "not a direct file link (got an HTML page)")
	}
	if limits.Exceeds(resp.ContentLength) {
		return Fetched{}, model.Errorf(model.ClassSizeExceeded, op, "declared size %d exceeds limit %d", resp.ContentLength, limits.MaxBytes)
	}

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	wd := NewWatchdog(limits.StallTimeout, cancel)
	head, _ := body.Peek(sniffLen)
	wd.Stop()
	if wd.Fired() {
		return Fetched{}, model.Errorf(model.ClassStalled, op, "no data for %s", limits.StallTimeout)
	}
	if ctx.Err() != nil {
		return Fetched{}, model.Cancelled(op)
	}
	detected := mimetype.Detect(head)
	if detected.Is("text/html") {
		return Fetched{}, model.Errorf(model.ClassNotFound, op, "not a direct file link (got an HTML page)")
	}

	f, err := os.Create(dst)
	if err != nil {
		return Fetched{}, model.NewError(model.ClassInternal, op, err)
	}

	src := struct {
		io.Reader
		io.Closer
	}{body, resp.Body}
	n, err := e.Stream(ctx, src, resp.ContentLength, f, limits, onProgress)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = model.NewError(model.ClassInternal, op, cerr)
	}
	if err == nil && resp.ContentLength > 0 && n < resp.ContentLength {
		err = model.Errorf(model.ClassRemoteRejected, op, "short body: %d of %d bytes", n, resp.ContentLength)
	}
	if err != nil {
		_ = os.Remove(dst)
		return Fetched{}, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = detected.String()
	}
	fetched := Fetched{
		Path:        dst,
		Name:        FileName(resp),
		ContentType: contentType,
		Size:        n,
	}
	e.log.Debug("download finished",
		zap.String("url", redact(rawURL)),
		zap.Int64("bytes", n),
		zap.String("name", fetched.Name))
	return fetched, nil
}

// Upload sends the file at srcPath with the given method (PUT or POST) and
// returns the number of bytes sent.
func (e *Engine) Upload(ctx context.Context, method, rawURL, srcPath, contentType string, limits Limits, onProgress model.ProgressFunc) (int64, error) {
	const op = "transfer.upload"

	f, err := os.Open(srcPath)
	if err != nil {
		return 0, model.NewError(model.ClassInternal, op, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, model.NewError(model.ClassInternal, op, err)
	}
	if limits.Exceeds(info.Size()) {
		return 0, model.Errorf(model.ClassSizeExceeded, op, "file size %d exceeds limit %d", info.Size(), limits.MaxBytes)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, pr)
	if err != nil {
		return 0, model.NewError(model.ClassInternal, op, err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("User-Agent", e.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	// a stalled or cancelled stream also tears down the request
	src := struct {
		io.Reader
		io.Closer
	}{f, closerFunc(func() error { cancel(); return f.Close() })}

	type streamResult struct {
		n   int64
		err error
	}
	done := make(chan streamResult, 1)
	go func() {
		n, serr := e.Stream(ctx, src, info.Size(), pw, limits, onProgress)
		pw.CloseWithError(serr)
		done <- streamResult{n, serr}
	}()

	resp, err := e.client.Do(req)
	if err != nil {
		cancel()
		_ = pr.Close()
		res := <-done
		if res.err != nil {
			return res.n, res.err
		}
		return res.n, e.requestError(ctx, op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	_ = pr.Close()
	res := <-done
	if class := ClassifyStatus(resp.StatusCode); class != model.ClassNone {
		return res.n, model.Errorf(class, op, "unexpected status %s", resp.Status)
	}
	if res.err != nil {
		return res.n, res.err
	}
	return res.n, nil
}

// do sends req, cancelling it if response headers do not arrive within the
// stall timeout.
func (e *Engine) do(req *http.Request, limits Limits, cancel context.CancelFunc) (*http.Response, error) {
	wd := NewWatchdog(limits.StallTimeout, cancel)
	resp, err := e.client.Do(req)
	wd.Stop()
	if err != nil && wd.Fired() {
		return nil, model.Errorf(model.ClassStalled, "transfer.request", "no response for %s", limits.StallTimeout)
	}
	return resp, err
}

func (e *Engine) requestError(ctx context.Context, op string, err error) error {
	var typed *model.Error
	if errors.As(err, &typed) {
		return err
	}
	if ctx.Err() != nil {
		return model.Cancelled(op)
	}
	return model.NewError(model.ClassRemoteRejected, op, err)
}

// ClassifyStatus maps an HTTP status to an error class, ClassNone for success
func ClassifyStatus(code int) model.ErrorClass {
	switch {
	case code < 400:
		return model.ClassNone
	case code == http.StatusNotFound || code == http.StatusGone:
		return model.ClassNotFound
	case code == http.StatusUnauthorized || code == http.StatusPaymentRequired ||
		code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return model.ClassQuotaOrAuth
	}
	return model.ClassRemoteRejected
}

// FileName derives a file name from Content-Disposition, then the final
// URL path, then a timestamp.
func FileName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return platform.SafeFilename(path.Base(name))
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		base := path.Base(resp.Request.URL.Path)
		if unescaped, err := url.PathUnescape(base); err == nil {
			base = unescaped
		}
		if base != "" && base != "/" && base != "." {
			return platform.SafeFilename(base)
		}
	}
	return fmt.Sprintf("file_%d", time.Now().Unix())
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// redact drops query strings, which often carry signed tokens
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
