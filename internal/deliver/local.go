package deliver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
	"github.com/ytget/mediajobs/internal/transfer"
)

// maxNameAttempts bounds the search for a free file name in the outbox
const maxNameAttempts = 1000

// LocalStore copies objects into an outbox directory
type LocalStore struct {
	dir    string
	engine *transfer.Engine
	limits transfer.Limits
}

// NewLocalStore creates a store writing into dir
func NewLocalStore(dir string, engine *transfer.Engine, limits transfer.Limits) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("local outbox directory is not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := platform.CreateDirectoryIfNotExists(abs); err != nil {
		return nil, fmt.Errorf("failed to create outbox: %w", err)
	}
	if engine == nil {
		engine = transfer.New()
	}
	return &LocalStore{dir: abs, engine: engine, limits: limits}, nil
}

// Name implements Store
func (s *LocalStore) Name() string { return BackendLocal }

// Put copies obj into the outbox without overwriting existing files
func (s *LocalStore) Put(ctx context.Context, obj Object, onProgress model.ProgressFunc) (string, error) {
	const op = "deliver.local"

	src, err := os.Open(obj.Path)
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	defer src.Close()

	dst, path, err := createUnique(s.dir, platform.SafeFilename(obj.Name))
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	_, err = s.engine.Stream(ctx, src, obj.Size, dst, s.limits, onProgress)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = model.NewError(model.ClassInternal, op, cerr)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// createUnique creates name in dir, adding a numeric suffix when taken
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, platform.DefaultFilePermissions)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
