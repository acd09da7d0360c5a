// Package cloudconvert talks to a CloudConvert compatible job API: a job is
// submitted with import/upload, convert and export/url tasks, the source is
// uploaded through the returned form, the job is polled until it finishes
// and the result is fetched from the export URL.
package cloudconvert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/transfer"
)

// Client defaults
const (
	DefaultBaseURL      = "https://api.cloudconvert.com/v2"
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 30 * time.Minute
)

// Job and task statuses
const (
	StatusWaiting    = "waiting"
	StatusProcessing = "processing"
	StatusFinished   = "finished"
	StatusError      = "error"
)

// Task operations
const (
	OperationImportUpload = "import/upload"
	OperationConvert      = "convert"
	OperationExportURL    = "export/url"
)

// Config configures a Client
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Job is a conversion job as returned by the API
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Tasks  []Task `json:"tasks"`
}

// Task is one step of a job
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Operation string     `json:"operation"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Code      string     `json:"code"`
	Result    TaskResult `json:"result"`
}

// TaskResult carries the upload form or exported files of a task
type TaskResult struct {
	Form  *UploadForm  `json:"form"`
	Files []ResultFile `json:"files"`
}

// UploadForm is the multipart form the source must be posted to
type UploadForm struct {
	URL        string         `json:"url"`
	Parameters map[string]any `json:"parameters"`
}

// ResultFile is one exported file
type ResultFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

type envelope struct {
	Data    *Job   `json:"data"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client is an API client
type Client struct {
	cfg    Config
	http   *http.Client
	engine *transfer.Engine
	log    *zap.Logger
}

// NewClient creates a Client. Uploads stream through engine.
func NewClient(cfg Config, engine *transfer.Engine, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if engine == nil {
		engine = transfer.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, http: &http.Client{}, engine: engine, log: log}
}

// Submit creates a job from named task definitions
func (c *Client) Submit(ctx context.Context, tasks map[string]any) (*Job, error) {
	body, err := json.Marshal(map[string]any{"tasks": tasks})
	if err != nil {
		return nil, model.NewError(model.ClassInternal, "cloudconvert.submit", err)
	}
	return c.call(ctx, "cloudconvert.submit", http.MethodPost, "/jobs", body)
}

// Get returns the current state of a job
func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	return c.call(ctx, "cloudconvert.get", http.MethodGet, "/jobs/"+id, nil)
}

func (c *Client) call(ctx context.Context, op, method, path string, body []byte) (*Job, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, model.NewError(model.ClassInternal, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.Cancelled(op)
		}
		return nil, model.NewError(model.ClassRemoteRejected, op, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env)
	if class := transfer.ClassifyStatus(resp.StatusCode); class != model.ClassNone {
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		return nil, model.Errorf(class, op, "api error %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil || env.Data == nil {
		return nil, model.Errorf(model.ClassRemoteRejected, op, "malformed api response")
	}
	return env.Data, nil
}

// Upload posts the file at path to the job's upload form
func (c *Client) Upload(ctx context.Context, form *UploadForm, path string, limits transfer.Limits, onProgress model.ProgressFunc) error {
	const op = "cloudconvert.upload"

	f, err := os.Open(path)
	if err != nil {
		return model.NewError(model.ClassInternal, op, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return model.NewError(model.ClassInternal, op, err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, form.URL, pr)
	if err != nil {
		return model.NewError(model.ClassInternal, op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	src := struct {
		io.Reader
		io.Closer
	}{f, closerFunc(func() error { cancel(); return f.Close() })}

	done := make(chan error, 1)
	go func() {
		werr := func() error {
			for k, v := range form.Parameters {
				if err := mw.WriteField(k, fmt.Sprint(v)); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := c.engine.Stream(ctx, src, info.Size(), part, limits, onProgress); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(werr)
		done <- werr
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		_ = pr.Close()
		if werr := <-done; werr != nil && model.ClassOf(werr) != model.ClassInternal {
			return werr
		}
		if ctx.Err() != nil {
			return model.Cancelled(op)
		}
		return model.NewError(model.ClassRemoteRejected, op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = pr.Close()
	werr := <-done

	if class := transfer.ClassifyStatus(resp.StatusCode); class != model.ClassNone {
		return model.Errorf(class, op, "upload failed: %s", resp.Status)
	}
	var typed *model.Error
	if errors.As(werr, &typed) {
		return werr
	}
	return nil
}

var errPending = errors.New("job not finished")

// Wait polls the job until it finishes, fails or the configured timeout
// passes. Progress is the share of finished tasks.
func (c *Client) Wait(ctx context.Context, id string, onProgress model.ProgressFunc) (*Job, error) {
	const op = "cloudconvert.wait"

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	tracker := model.NewProgressTracker(model.UnitPercent, 100)
	var job *Job
	poll := func() error {
		j, err := c.Get(waitCtx, id)
		if err != nil {
			if model.ClassOf(err) == model.ClassCancelled {
				return backoff.Permanent(err)
			}
			if model.ClassOf(err) == model.ClassRemoteRejected && waitCtx.Err() == nil {
				c.log.Debug("poll failed, retrying", zap.String("job", id), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		job = j
		onProgress.Emit(tracker.Update(int64(finishedShare(j) * 100)))

		switch j.Status {
		case StatusFinished:
			return nil
		case StatusError:
			return backoff.Permanent(model.Errorf(model.ClassRemoteRejected, op, "job failed: %s", failureMessage(j)))
		}
		return errPending
	}

	err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(c.cfg.PollInterval), waitCtx))
	if err == nil {
		return job, nil
	}
	if ctx.Err() != nil {
		return nil, model.Cancelled(op)
	}
	if waitCtx.Err() != nil {
		return nil, model.Errorf(model.ClassStalled, op, "job %s not finished after %s", id, c.cfg.Timeout)
	}
	if errors.Is(err, errPending) {
		return nil, model.Errorf(model.ClassStalled, op, "job %s not finished", id)
	}
	return nil, err
}

// FindUploadForm returns the form of the job's import/upload task
func FindUploadForm(j *Job) (*UploadForm, bool) {
	for _, t := range j.Tasks {
		if t.Operation == OperationImportUpload && t.Result.Form != nil && t.Result.Form.URL != "" {
			return t.Result.Form, true
		}
	}
	return nil, false
}

// ExportURL returns the first file of a finished export/url task
func ExportURL(j *Job) (ResultFile, bool) {
	for _, t := range j.Tasks {
		if t.Operation == OperationExportURL && t.Status == StatusFinished && len(t.Result.Files) > 0 {
			return t.Result.Files[0], true
		}
	}
	return ResultFile{}, false
}

func finishedShare(j *Job) float64 {
	if len(j.Tasks) == 0 {
		return 0
	}
	finished := 0
	for _, t := range j.Tasks {
		if t.Status == StatusFinished {
			finished++
		}
	}
	return float64(finished) / float64(len(j.Tasks))
}

func failureMessage(j *Job) string {
	for _, t := range j.Tasks {
		if t.Status == StatusError {
			if t.Message != "" {
				return fmt.Sprintf("%s: %s", t.Name, t.Message)
			}
			return t.Name
		}
	}
	return "unknown error"
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
