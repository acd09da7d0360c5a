package supervisor

import (
	"context"

	"github.com/ytget/mediajobs/internal/model"
)

// Fetcher runs the download stage.
type Fetcher interface {
	Fetch(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, []model.BackendAttempt, error)
}

// Transformer runs the optional transform stage and describes video artifacts.
type Transformer interface {
	Transform(ctx context.Context, in model.Artifact, t model.Transform, dir string, onProgress model.ProgressFunc) (model.Artifact, []model.BackendAttempt, error)
	Describe(ctx context.Context, a model.Artifact, dir string) model.Artifact
}

// Publisher runs the delivery stage.
type Publisher interface {
	Publish(ctx context.Context, a model.Artifact, onProgress model.ProgressFunc) (model.Receipt, error)
}

// StatusReporter receives the status of every job.
type StatusReporter interface {
	Report(ctx context.Context, jobID string, sample model.ProgressSample, label string)
	Announce(ctx context.Context, jobID, label string)
	Finish(ctx context.Context, jobID string, outcome model.Outcome)
}

// Stages bundles the stage implementations a Supervisor drives
type Stages struct {
	Fetch     Fetcher
	Transform Transformer // may be nil when no job transforms
	Publish   Publisher
}
