package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ErrWorkspaceClosed is returned when registering paths after Cleanup
var ErrWorkspaceClosed = errors.New("workspace already cleaned up")

// Workspace is the private temporary directory of one job. It keeps the
// ordered list of artifacts created for the job and removes all of them,
// plus the directory, when the job ends.
type Workspace struct {
	mu        sync.Mutex
	dir       string
	artifacts []string
	closed    bool
	log       *zap.Logger
}

// NewWorkspace creates a fresh directory for jobID under root
func NewWorkspace(root, jobID string, log *zap.Logger) (*Workspace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if root == "" {
		root = os.TempDir()
	}
	if err := CreateDirectoryIfNotExists(root); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(root, SafeFilename(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir, log: log.With(zap.String("workspace", dir))}, nil
}

// Dir returns the workspace directory
func (w *Workspace) Dir() string {
	return w.dir
}

// Path registers name inside the workspace as an artifact and returns its path.
// The file does not have to exist yet.
func (w *Workspace) Path(name string) (string, error) {
	p := filepath.Join(w.dir, SafeFilename(name))
	if err := w.Track(p); err != nil {
		return "", err
	}
	return p, nil
}

// Subdir creates and registers a scratch directory inside the workspace
func (w *Workspace) Subdir(name string) (string, error) {
	p, err := w.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, DefaultDirPermissions); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return p, nil
}

// Track adds an existing or future path to the artifact list
func (w *Workspace) Track(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkspaceClosed
	}
	for _, a := range w.artifacts {
		if a == path {
			return nil
		}
	}
	w.artifacts = append(w.artifacts, path)
	return nil
}

// Discard removes one artifact right away and forgets it
func (w *Workspace) Discard(path string) error {
	w.mu.Lock()
	for i, a := range w.artifacts {
		if a == path {
			w.artifacts = append(w.artifacts[:i], w.artifacts[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Artifacts returns a copy of the tracked paths in creation order
func (w *Workspace) Artifacts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.artifacts))
	copy(out, w.artifacts)
	return out
}

// Cleanup removes every artifact in reverse creation order and then the
// directory itself. It is idempotent; later calls return nil.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	artifacts := w.artifacts
	w.artifacts = nil
	w.mu.Unlock()

	var result *multierror.Error
	for i := len(artifacts) - 1; i >= 0; i-- {
		if err := os.RemoveAll(artifacts[i]); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(w.dir); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		w.log.Warn("workspace cleanup incomplete", zap.Error(err))
		return err
	}
	w.log.Debug("workspace removed", zap.Int("artifacts", len(artifacts)))
	return nil
}
