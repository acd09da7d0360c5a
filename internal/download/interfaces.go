package download

import (
	"context"

	"github.com/ytget/mediajobs/internal/model"
)

// Fetcher retrieves the source of a job into dir
type Fetcher interface {
	Fetch(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, error)
}
