package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/mediajobs/internal/model"
)

type fakeTransformer struct {
	err   error
	calls int
	dirs  []string
}

func (f *fakeTransformer) Transform(ctx context.Context, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	f.calls++
	f.dirs = append(f.dirs, dir)
	out := filepath.Join(dir, "output"+OutputExtension(t))
	if err := os.WriteFile(out, []byte("partial"), 0644); err != nil {
		return model.Artifact{}, err
	}
	if f.err != nil {
		return model.Artifact{}, f.err
	}
	onProgress.Emit(model.ProgressSample{Unit: model.UnitPercent, Done: 100, Total: 100})
	return finishArtifact(in, t, out)
}

func newTestService(fallbackOnFailure bool, local, remote Transformer) *Service {
	return NewService(Options{FallbackOnFailure: fallbackOnFailure}, nil).WithStrategies(local, remote)
}

var encode720 = model.Transform{Kind: model.TransformEncode, Profile: "720p"}

func TestService_LocalSuccess(t *testing.T) {
	local, remote := &fakeTransformer{}, &fakeTransformer{}
	dir := t.TempDir()

	out, attempts, err := newTestService(false, local, remote).Transform(context.Background(),
		model.Artifact{Path: "/in.webm", Name: "clip.webm"}, encode720, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", out.Name)
	assert.Equal(t, filepath.Join(dir, BackendFFmpeg, "output.mp4"), out.Path)
	assert.Equal(t, 1, local.calls)
	assert.Zero(t, remote.calls)
	require.Len(t, attempts, 1)
	assert.Equal(t, BackendFFmpeg, attempts[0].Backend)
}

func TestService_StallFallsBackFromCleanState(t *testing.T) {
	local := &fakeTransformer{err: model.NewError(model.ClassStalled, "local", nil)}
	remote := &fakeTransformer{}
	dir := t.TempDir()

	out, attempts, err := newTestService(false, local, remote).Transform(context.Background(),
		model.Artifact{Path: "/in.webm", Name: "clip.webm"}, encode720, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, BackendRemote, "output.mp4"), out.Path)
	assert.NoDirExists(t, filepath.Join(dir, BackendFFmpeg), "primary scratch removed")
	require.Len(t, attempts, 2)
	assert.Equal(t, model.ClassStalled, attempts[0].Class)
	assert.Equal(t, model.StrategySecondary, attempts[1].Strategy)
}

func TestService_TransformFailedOnlyFallsBackWhenEnabled(t *testing.T) {
	failed := model.NewError(model.ClassTransformFailed, "local", nil)

	local, remote := &fakeTransformer{err: failed}, &fakeTransformer{}
	_, _, err := newTestService(false, local, remote).Transform(context.Background(),
		model.Artifact{Path: "/in", Name: "in"}, encode720, t.TempDir(), nil)
	assert.ErrorIs(t, err, model.ErrTransformFailed)
	assert.Zero(t, remote.calls)

	local, remote = &fakeTransformer{err: failed}, &fakeTransformer{}
	_, _, err = newTestService(true, local, remote).Transform(context.Background(),
		model.Artifact{Path: "/in", Name: "in"}, encode720, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
}

func TestService_NoRemote(t *testing.T) {
	local := &fakeTransformer{err: model.NewError(model.ClassStalled, "local", nil)}
	_, attempts, err := newTestService(false, local, nil).Transform(context.Background(),
		model.Artifact{Path: "/in", Name: "in"}, encode720, t.TempDir(), nil)
	assert.ErrorIs(t, err, model.ErrStalled)
	assert.Len(t, attempts, 1)
}
