package deliver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/transfer"
)

// mp4Header is enough for content sniffing to report video/mp4
var mp4Header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'}

func testLimits() transfer.Limits {
	return transfer.Limits{MaxBytes: 1 << 20, ChunkSize: 4 << 10, StallTimeout: 2 * time.Second}
}

func writeArtifact(t *testing.T, name string, data []byte) model.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return model.Artifact{Path: path, Name: name, Size: int64(len(data))}
}

func TestPublisher_Local(t *testing.T) {
	outbox := t.TempDir()
	store, err := NewLocalStore(outbox, nil, testLimits())
	require.NoError(t, err)

	a := writeArtifact(t, "clip.mp4", append(append([]byte{}, mp4Header...), make([]byte, 1000)...))
	a.Streamable = true
	a.Media = &model.MediaInfo{Duration: 90 * time.Second, Width: 1280, Height: 720}
	a.Thumbnail = filepath.Join(filepath.Dir(a.Path), "thumb.jpg")
	require.NoError(t, os.WriteFile(a.Thumbnail, []byte{0xff, 0xd8, 0xff, 0xe0}, 0644))

	var samples []model.ProgressSample
	r, err := NewPublisher(store, testLimits(), nil).Publish(context.Background(), a, func(s model.ProgressSample) {
		samples = append(samples, s)
	})
	require.NoError(t, err)

	assert.Equal(t, BackendLocal, r.Backend)
	assert.Equal(t, filepath.Join(outbox, "clip.mp4"), r.Location)
	assert.Equal(t, "video/mp4", r.ContentType)
	assert.Equal(t, a.Size, r.Size)
	assert.True(t, r.Streamable)
	assert.Equal(t, a.Media, r.Media)
	assert.Equal(t, filepath.Join(outbox, "clip-thumb.jpg"), r.Thumbnail)
	assert.FileExists(t, r.Thumbnail)

	got, err := os.ReadFile(r.Location)
	require.NoError(t, err)
	want, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NotEmpty(t, samples)
	assert.Equal(t, a.Size, samples[len(samples)-1].Done)
}

func TestLocalStore_DoesNotOverwrite(t *testing.T) {
	outbox := t.TempDir()
	store, err := NewLocalStore(outbox, nil, testLimits())
	require.NoError(t, err)

	a := writeArtifact(t, "song.mp3", []byte("first"))
	obj := Object{Path: a.Path, Name: a.Name, Size: a.Size}

	first, err := store.Put(context.Background(), obj, nil)
	require.NoError(t, err)
	second, err := store.Put(context.Background(), obj, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outbox, "song.mp3"), first)
	assert.Equal(t, filepath.Join(outbox, "song-1.mp3"), second)
}

func TestLocalStore_CancelledLeavesNothing(t *testing.T) {
	outbox := t.TempDir()
	store, err := NewLocalStore(outbox, nil, testLimits())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := writeArtifact(t, "clip.mp4", []byte("data"))
	_, err = store.Put(ctx, Object{Path: a.Path, Name: a.Name, Size: a.Size}, nil)
	assert.ErrorIs(t, err, model.ErrCancelled)

	entries, err := os.ReadDir(outbox)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewLocalStore_RequiresDir(t *testing.T) {
	_, err := NewLocalStore("", nil, testLimits())
	assert.Error(t, err)
}

// failingStore rejects objects whose name matches fail
type failingStore struct {
	fail string
	put  []Object
}

func (s *failingStore) Name() string { return "fake" }

func (s *failingStore) Put(ctx context.Context, obj Object, onProgress model.ProgressFunc) (string, error) {
	if strings.Contains(obj.Name, s.fail) {
		return "", model.Errorf(model.ClassRemoteRejected, "fake", "rejected %s", obj.Name)
	}
	s.put = append(s.put, obj)
	return "fake://" + obj.Name, nil
}

func TestPublisher_ThumbnailFailureIsNotFatal(t *testing.T) {
	store := &failingStore{fail: "-thumb"}
	a := writeArtifact(t, "clip.mp4", []byte("video"))
	a.ContentType = "video/mp4"
	a.Thumbnail = filepath.Join(filepath.Dir(a.Path), "thumb.jpg")
	require.NoError(t, os.WriteFile(a.Thumbnail, []byte{0xff, 0xd8}, 0644))

	r, err := NewPublisher(store, testLimits(), nil).Publish(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, "fake://clip.mp4", r.Location)
	assert.Empty(t, r.Thumbnail)
	require.Len(t, store.put, 1)
	assert.Equal(t, "video/mp4", store.put[0].ContentType)
}

func TestPublisher_StoreErrorIsReturned(t *testing.T) {
	store := &failingStore{fail: "clip"}
	a := writeArtifact(t, "clip.mp4", []byte("video"))

	_, err := NewPublisher(store, testLimits(), nil).Publish(context.Background(), a, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRemoteRejected))
}

func TestPublisher_SizeExceeded(t *testing.T) {
	store := &failingStore{}
	limits := testLimits()
	limits.MaxBytes = 3
	a := writeArtifact(t, "clip.mp4", []byte("video"))

	_, err := NewPublisher(store, limits, nil).Publish(context.Background(), a, nil)
	assert.ErrorIs(t, err, model.ErrSizeExceeded)
	assert.Empty(t, store.put)
}

func TestMetadata(t *testing.T) {
	assert.Empty(t, Metadata(model.Artifact{}))

	meta := Metadata(model.Artifact{
		Streamable: true,
		Media:      &model.MediaInfo{Duration: 61500 * time.Millisecond, Width: 640, Height: 360},
	})
	assert.Equal(t, map[string]string{
		MetaStreamable: "true",
		MetaDuration:   "61",
		MetaWidth:      "640",
		MetaHeight:     "360",
	}, meta)
}

func TestContentType(t *testing.T) {
	a := writeArtifact(t, "x.bin", []byte("plain text content"))
	assert.True(t, strings.HasPrefix(ContentType(a), "text/plain"))

	a.ContentType = "audio/mpeg"
	assert.Equal(t, "audio/mpeg", ContentType(a))

	assert.Equal(t, DefaultContentType, ContentType(model.Artifact{Path: "/missing/file"}))
}

func TestNewStore_UnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Backend: "ftp"}, nil, testLimits())
	assert.Error(t, err)
}
