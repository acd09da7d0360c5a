package transcode

import (
	"context"

	"github.com/ytget/mediajobs/internal/model"
)

// Transformer converts a fetched artifact according to a transform spec,
// writing the result into dir.
type Transformer interface {
	Transform(ctx context.Context, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) (model.Artifact, error)
}

// ProcessRunner runs an external command to completion
type ProcessRunner interface {
	Run(ctx context.Context, c Command, onProgress model.ProgressFunc) (int, error)
}
