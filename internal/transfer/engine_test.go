package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/mediajobs/internal/model"
)

type sampleLog struct {
	mu      sync.Mutex
	samples []model.ProgressSample
}

func (l *sampleLog) add(s model.ProgressSample) {
	l.mu.Lock()
	l.samples = append(l.samples, s)
	l.mu.Unlock()
}

func (l *sampleLog) dones() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, len(l.samples))
	for i, s := range l.samples {
		out[i] = s.Done
	}
	return out
}

func testLimits() Limits {
	return Limits{MaxBytes: 1 << 20, ChunkSize: 4 << 10, StallTimeout: 2 * time.Second}
}

func TestStream_CopiesInChunks(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 4096) // 32 KiB
	var dst bytes.Buffer
	var log sampleLog

	n, err := New().Stream(context.Background(), bytes.NewReader(data), int64(len(data)), &dst, testLimits(), log.add)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, dst.Bytes())

	dones := log.dones()
	require.Len(t, dones, 8)
	for i := 1; i < len(dones); i++ {
		assert.GreaterOrEqual(t, dones[i], dones[i-1])
	}
	assert.Equal(t, int64(len(data)), dones[len(dones)-1])
	assert.InDelta(t, 100.0, log.samples[len(log.samples)-1].Percent(), 0.001)
}

func TestStream_DeclaredSizeRejectedBeforeWrite(t *testing.T) {
	var dst bytes.Buffer
	limits := testLimits()
	limits.MaxBytes = 10

	n, err := New().Stream(context.Background(), bytes.NewReader(make([]byte, 100)), 100, &dst, limits, nil)
	assert.ErrorIs(t, err, model.ErrSizeExceeded)
	assert.Zero(t, n)
	assert.Zero(t, dst.Len())
}

func TestStream_UndeclaredSizeAbortsMidStream(t *testing.T) {
	var dst bytes.Buffer
	limits := testLimits()
	limits.MaxBytes = 10 << 10

	_, err := New().Stream(context.Background(), bytes.NewReader(make([]byte, 64<<10)), 0, &dst, limits, nil)
	assert.ErrorIs(t, err, model.ErrSizeExceeded)
	assert.LessOrEqual(t, int64(dst.Len()), limits.MaxBytes)
}

func TestStream_IndeterminateTotal(t *testing.T) {
	var log sampleLog
	_, err := New().Stream(context.Background(), bytes.NewReader(make([]byte, 9000)), -1, io.Discard, testLimits(), log.add)
	require.NoError(t, err)
	for _, s := range log.samples {
		assert.True(t, s.Indeterminate())
		assert.Equal(t, -1.0, s.Percent())
	}
}

func TestStream_Stall(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write([]byte("first"))
		// then nothing
	}()

	limits := testLimits()
	limits.StallTimeout = 100 * time.Millisecond

	start := time.Now()
	n, err := New().Stream(context.Background(), pr, 0, io.Discard, limits, nil)
	assert.ErrorIs(t, err, model.ErrStalled)
	assert.Equal(t, int64(5), n)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStream_CancelUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := New().Stream(ctx, pr, 0, io.Discard, testLimits(), nil)
	assert.Equal(t, model.ClassCancelled, model.ClassOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDownload_Success(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p'}, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Disposition", `attachment; filename="holiday clip.mp4"`)
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "source.bin")
	var log sampleLog
	fetched, err := New().Download(context.Background(), srv.URL+"/x", dst, testLimits(), log.add)
	require.NoError(t, err)

	assert.Equal(t, "holiday clip.mp4", fetched.Name)
	assert.Equal(t, "video/mp4", fetched.ContentType)
	assert.Equal(t, int64(len(payload)), fetched.Size)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NotEmpty(t, log.samples)
	assert.Equal(t, int64(len(payload)), log.samples[0].Total)
}

func TestDownload_StatusClasses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, model.ErrNotFound},
		{http.StatusGone, model.ErrNotFound},
		{http.StatusForbidden, model.ErrQuotaOrAuth},
		{http.StatusTooManyRequests, model.ErrQuotaOrAuth},
		{http.StatusInternalServerError, model.ErrRemoteRejected},
		{http.StatusBadRequest, model.ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			dst := filepath.Join(t.TempDir(), "f")
			_, err := New().Download(context.Background(), srv.URL, dst, testLimits(), nil)
			assert.ErrorIs(t, err, tt.want)
			assert.NoFileExists(t, dst)
		})
	}
}

func TestDownload_HTMLIsNotFound(t *testing.T) {
	pages := map[string]http.HandlerFunc{
		"header": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html></html>"))
		},
		"sniffed": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>login</title></head><body></body></html>"))
		},
	}

	for name, h := range pages {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			dst := filepath.Join(t.TempDir(), "f")
			_, err := New().Download(context.Background(), srv.URL, dst, testLimits(), nil)
			assert.ErrorIs(t, err, model.ErrNotFound)
			assert.NoFileExists(t, dst)
		})
	}
}

func TestDownload_DeclaredTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5000000")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "f")
	_, err := New().Download(context.Background(), srv.URL, dst, testLimits(), nil)
	assert.ErrorIs(t, err, model.ErrSizeExceeded)
	assert.NoFileExists(t, dst)
}

func TestDownload_UndeclaredTooLargeRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := bytes.Repeat([]byte{0xAB}, 32<<10)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "f")
	_, err := New().Download(context.Background(), srv.URL, dst, testLimits(), nil)
	assert.ErrorIs(t, err, model.ErrSizeExceeded)
	assert.NoFileExists(t, dst)
}

func TestDownload_StallRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0x01}, 8<<10))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	limits := testLimits()
	limits.StallTimeout = 150 * time.Millisecond

	dst := filepath.Join(t.TempDir(), "f")
	_, err := New().Download(context.Background(), srv.URL, dst, limits, nil)
	assert.ErrorIs(t, err, model.ErrStalled)
	assert.NoFileExists(t, dst)
}

func TestDownload_CancelAbortsSocket(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0x01}, 8<<10))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(closed)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	dst := filepath.Join(t.TempDir(), "f")
	_, err := New().Download(ctx, srv.URL, dst, testLimits(), nil)
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.NoFileExists(t, dst)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection was not closed after cancel")
	}
}

func TestUpload(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "out.mp4")
	payload := bytes.Repeat([]byte("z"), 20000)
	require.NoError(t, os.WriteFile(src, payload, 0644))

	var log sampleLog
	n, err := New().Upload(context.Background(), http.MethodPut, srv.URL, src, "video/mp4", testLimits(), log.add)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, <-received)
	assert.NotEmpty(t, log.samples)
}

func TestUpload_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0644))

	_, err := New().Upload(context.Background(), http.MethodPut, srv.URL, src, "", testLimits(), nil)
	assert.ErrorIs(t, err, model.ErrQuotaOrAuth)
}

func TestUpload_TooLarge(t *testing.T) {
	src := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(src, make([]byte, 100), 0644))

	limits := testLimits()
	limits.MaxBytes = 10
	_, err := New().Upload(context.Background(), http.MethodPut, "http://127.0.0.1:1", src, "", limits, nil)
	assert.True(t, errors.Is(err, model.ErrSizeExceeded))
}

func TestClassifyStatus(t *testing.T) {
	tests := map[int]model.ErrorClass{
		200: model.ClassNone,
		302: model.ClassNone,
		401: model.ClassQuotaOrAuth,
		402: model.ClassQuotaOrAuth,
		403: model.ClassQuotaOrAuth,
		404: model.ClassNotFound,
		410: model.ClassNotFound,
		429: model.ClassQuotaOrAuth,
		422: model.ClassRemoteRejected,
		503: model.ClassRemoteRejected,
	}
	for code, want := range tests {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

func TestFileName(t *testing.T) {
	mk := func(rawURL, cd string) *http.Response {
		u, _ := url.Parse(rawURL)
		resp := &http.Response{Header: http.Header{}, Request: &http.Request{URL: u}}
		if cd != "" {
			resp.Header.Set("Content-Disposition", cd)
		}
		return resp
	}

	assert.Equal(t, "a.mp4", FileName(mk("https://x.test/dl", `attachment; filename="a.mp4"`)))
	assert.Equal(t, "b.mkv", FileName(mk("https://x.test/dl", `attachment; filename="../../b.mkv"`)))
	assert.Equal(t, "my file.webm", FileName(mk("https://x.test/files/my%20file.webm?sig=1", "")))
	assert.Regexp(t, `^file_\d+$`, FileName(mk("https://x.test/", "")))
}

func TestWatchdog(t *testing.T) {
	fired := make(chan struct{})
	wd := NewWatchdog(50*time.Millisecond, func() { close(fired) })
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		wd.Kick()
	}
	assert.False(t, wd.Fired())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.True(t, wd.Fired())

	disabled := NewWatchdog(0, func() { t.Error("disabled watchdog fired") })
	disabled.Kick()
	disabled.Stop()
	assert.False(t, disabled.Fired())
}

func TestWatchdog_Pause(t *testing.T) {
	fired := make(chan struct{})
	wd := NewPausedWatchdog(30*time.Millisecond, func() { close(fired) })
	defer wd.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.False(t, wd.Fired(), "paused until the first kick")

	wd.Kick()
	wd.Pause()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, wd.Fired(), "pause disarms")

	wd.Kick()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("re-armed watchdog did not fire")
	}
	assert.True(t, wd.Fired())
}
