package deliver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/mediajobs/internal/model"
)

// fakeObjectServer accepts path-style PUTs and records the last one
type fakeObjectServer struct {
	srv    *httptest.Server
	status int

	mu      sync.Mutex
	path    string
	headers http.Header
	body    []byte
}

func newFakeObjectServer(t *testing.T, status int) *fakeObjectServer {
	f := &fakeObjectServer{status: status}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.path = r.URL.Path
		f.headers = r.Header.Clone()
		f.body = body
		f.mu.Unlock()

		if f.status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(f.status)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeObjectServer) last() (string, http.Header, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.headers, f.body
}

func testS3Store(t *testing.T, endpoint string) *S3Store {
	awsCfg := aws.Config{
		Region: "us-east-1",
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
		}),
		RetryMaxAttempts: 1,
	}
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:    "media",
		Endpoint:  endpoint,
		Prefix:    "jobs",
		AWSConfig: &awsCfg,
	}, testLimits())
	require.NoError(t, err)
	return store
}

func TestS3Store_Put(t *testing.T) {
	fake := newFakeObjectServer(t, http.StatusOK)
	store := testS3Store(t, fake.srv.URL)

	a := writeArtifact(t, "clip.mp4", []byte("s3-video-bytes"))
	var (
		mu   sync.Mutex
		last model.ProgressSample
	)
	location, err := store.Put(context.Background(), Object{
		Path:        a.Path,
		Name:        a.Name,
		Size:        a.Size,
		ContentType: "video/mp4",
		Metadata:    map[string]string{MetaStreamable: "true"},
	}, func(s model.ProgressSample) {
		mu.Lock()
		last = s
		mu.Unlock()
	})
	require.NoError(t, err)

	path, headers, body := fake.last()
	assert.True(t, strings.HasPrefix(path, "/media/jobs/"), path)
	assert.True(t, strings.HasSuffix(path, "/clip.mp4"), path)
	assert.Equal(t, "video/mp4", headers.Get("Content-Type"))
	assert.Equal(t, "true", headers.Get("X-Amz-Meta-Streamable"))
	assert.Contains(t, string(body), "s3-video-bytes")
	mu.Lock()
	assert.Equal(t, a.Size, last.Done)
	mu.Unlock()

	assert.True(t, strings.HasPrefix(location, fake.srv.URL+path), location)
	assert.Contains(t, location, "X-Amz-Signature=")
}

func TestS3Store_AccessDenied(t *testing.T) {
	fake := newFakeObjectServer(t, http.StatusForbidden)
	store := testS3Store(t, fake.srv.URL)

	a := writeArtifact(t, "clip.mp4", []byte("s3-video-bytes"))
	_, err := store.Put(context.Background(), Object{Path: a.Path, Name: a.Name, Size: a.Size, ContentType: "video/mp4"}, nil)
	require.Error(t, err)
	assert.Equal(t, model.ClassQuotaOrAuth, model.ClassOf(err))
}

func TestS3Store_Cancelled(t *testing.T) {
	fake := newFakeObjectServer(t, http.StatusOK)
	store := testS3Store(t, fake.srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := writeArtifact(t, "clip.mp4", []byte("s3-video-bytes"))
	_, err := store.Put(ctx, Object{Path: a.Path, Name: a.Name, Size: a.Size}, nil)
	assert.ErrorIs(t, err, model.ErrCancelled)
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{}, testLimits())
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	a := ObjectKey("out", "clip.mp4")
	b := ObjectKey("out", "clip.mp4")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "out/"))
	assert.True(t, strings.HasSuffix(a, "/clip.mp4"))
	assert.Len(t, strings.Split(ObjectKey("", "x"), "/"), 2)
}
