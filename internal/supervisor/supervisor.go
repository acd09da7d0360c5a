package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/platform"
)

var (
	// ErrAlreadyRunning is returned by Submit when the identity has an in-flight job
	ErrAlreadyRunning = errors.New("a job is already running for this identity")

	// ErrShuttingDown is returned by Submit after Shutdown was called
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// DefaultMaxActive is the default number of jobs running at the same time
const DefaultMaxActive = 2

// QueuedLabel is the status shown while a job waits for a free slot
const QueuedLabel = "Queued"

// Options configures a Supervisor
type Options struct {
	// MaxActive caps the number of running jobs; further jobs stay Queued.
	MaxActive int
	// WorkspaceRoot is the parent of every job workspace, os.TempDir() if empty.
	WorkspaceRoot string
}

// Supervisor schedules jobs and owns the identity table
type Supervisor struct {
	stages   Stages
	reporter StatusReporter
	opts     Options
	slots    *semaphore.Weighted
	log      *zap.Logger

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job // by identity
	closed bool
}

// New creates a Supervisor
func New(stages Stages, reporter StatusReporter, opts Options, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxActive < 1 {
		opts.MaxActive = DefaultMaxActive
	}
	base, stop := context.WithCancel(context.Background())
	return &Supervisor{
		stages:   stages,
		reporter: reporter,
		opts:     opts,
		slots:    semaphore.NewWeighted(int64(opts.MaxActive)),
		log:      log,
		base:     base,
		stopBase: stop,
		jobs:     make(map[string]*job),
	}
}

// Submit validates spec and starts a job for identity. A second submission
// while the identity has an in-flight job is rejected without side effects.
func (s *Supervisor) Submit(identity string, spec model.JobSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Transform.Enabled() && s.stages.Transform == nil {
		return nil, fmt.Errorf("%w: transform stage is not configured", model.ErrInvalidSpec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}
	if _, exists := s.jobs[identity]; exists {
		return nil, ErrAlreadyRunning
	}

	id, err := newJobID()
	if err != nil {
		return nil, err
	}
	j := newJob(s.base, id, identity, spec)
	s.jobs[identity] = j
	s.wg.Add(1)
	go s.run(j)

	s.log.Info("job submitted",
		zap.String("job_id", j.id),
		zap.String("identity", identity),
		zap.String("source", string(spec.Source)),
		zap.String("transform", spec.Transform.String()))
	return &Handle{ID: j.id, Identity: identity, job: j}, nil
}

// Cancel requests cancellation of the identity's in-flight job and aborts
// its active stage. It returns false when no such job exists.
func (s *Supervisor) Cancel(identity string) bool {
	s.mu.Lock()
	j, ok := s.jobs[identity]
	s.mu.Unlock()
	if !ok || j.currentState().IsTerminal() {
		return false
	}
	j.requestCancel()
	s.log.Info("job cancel requested", zap.String("job_id", j.id), zap.String("identity", identity))
	return true
}

// Observe returns the handle of the identity's in-flight job
func (s *Supervisor) Observe(identity string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[identity]
	if !ok {
		return nil, false
	}
	return &Handle{ID: j.id, Identity: identity, job: j}, true
}

// Active returns a snapshot of all in-flight jobs ordered by submission
func (s *Supervisor) Active() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].Submitted.Before(out[b].Submitted)
	})
	return out
}

// Shutdown stops accepting jobs, cancels all in-flight jobs and waits until
// each of them finished its teardown or ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, j := range s.jobs {
		j.requestCancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stopBase()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the lifetime of one job
func (s *Supervisor) run(j *job) {
	defer s.wg.Done()
	log := s.log.With(zap.String("job_id", j.id), zap.String("identity", j.identity))

	started := time.Now()
	holdsSlot := false
	var outcome model.Outcome

	if !s.slots.TryAcquire(1) {
		s.reporter.Announce(j.ctx, j.id, QueuedLabel)
		log.Info("job queued", zap.Int("max_active", s.opts.MaxActive))
		if err := s.slots.Acquire(j.ctx, 1); err != nil {
			outcome = s.outcome(j, started, nil, model.Cancelled("supervisor.queue"))
		} else {
			holdsSlot = true
		}
	} else {
		holdsSlot = true
	}

	if holdsSlot {
		outcome = s.execute(j, log)
	}
	s.complete(j, outcome, holdsSlot, log)
}

// execute runs the stages in order inside a fresh workspace. The workspace
// is removed before execute returns.
func (s *Supervisor) execute(j *job, log *zap.Logger) model.Outcome {
	started := time.Now()

	ws, err := platform.NewWorkspace(s.opts.WorkspaceRoot, j.id, log)
	if err != nil {
		return s.outcome(j, started, nil, model.NewError(model.ClassInternal, "supervisor.workspace", err))
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			log.Warn("workspace cleanup failed", zap.Error(err))
		}
	}()

	var (
		artifact model.Artifact
		receipt  model.Receipt
		attempts []model.BackendAttempt
	)
	for _, stage := range j.spec.Stages() {
		if j.cancelled() {
			return s.outcome(j, started, attempts, model.Cancelled("supervisor."+string(stage)))
		}
		if !j.setState(stage.State()) {
			return s.outcome(j, started, attempts, model.Errorf(model.ClassInternal, "supervisor", "illegal transition %s -> %s", j.currentState(), stage.State()))
		}

		label := StageLabel(j.spec, stage)
		s.reporter.Announce(j.ctx, j.id, label)
		onProgress := model.Monotonic(func(sample model.ProgressSample) {
			s.reporter.Report(j.ctx, j.id, sample, label)
			j.progress(label, sample)
		})

		stageStart := time.Now()
		log.Info("stage started", zap.String("stage", string(stage)))

		var stageAttempts []model.BackendAttempt
		switch stage {
		case model.StageDownload:
			var dir string
			if dir, err = ws.Subdir(string(model.StageDownload)); err == nil {
				artifact, stageAttempts, err = s.stages.Fetch.Fetch(j.ctx, j.spec, dir, onProgress)
			}
		case model.StageTransform:
			artifact, stageAttempts, err = s.transform(j, ws, artifact, onProgress)
		case model.StageUpload:
			artifact = s.describe(j, ws, artifact)
			receipt, err = s.stages.Publish.Publish(j.ctx, artifact, onProgress)
		}
		attempts = append(attempts, stageAttempts...)

		if err != nil {
			log.Info("stage ended",
				zap.String("stage", string(stage)),
				zap.String("class", model.ClassOf(err).String()),
				zap.Duration("duration", time.Since(stageStart)),
				zap.Error(err))
			return s.outcome(j, started, attempts, err)
		}
		log.Info("stage finished",
			zap.String("stage", string(stage)),
			zap.Int64("bytes", artifact.Size),
			zap.Duration("duration", time.Since(stageStart)))
	}

	o := s.outcome(j, started, attempts, nil)
	o.Receipt = &receipt
	return o
}

// transform runs the transform stage and drops the fetched source once the
// transformed artifact exists.
func (s *Supervisor) transform(j *job, ws *platform.Workspace, in model.Artifact, onProgress model.ProgressFunc) (model.Artifact, []model.BackendAttempt, error) {
	dir, err := ws.Subdir(string(model.StageTransform))
	if err != nil {
		return model.Artifact{}, nil, model.NewError(model.ClassInternal, "supervisor.transform", err)
	}
	out, attempts, err := s.stages.Transform.Transform(j.ctx, in, j.spec.Transform, dir, onProgress)
	if err != nil {
		return model.Artifact{}, attempts, err
	}
	if err := ws.Discard(filepath.Join(ws.Dir(), string(model.StageDownload))); err != nil {
		s.log.Debug("source discard failed", zap.String("job_id", j.id), zap.Error(err))
	}
	return out, attempts, nil
}

// describe attaches media info and a thumbnail to video artifacts that are
// delivered as a stream or were re-encoded.
func (s *Supervisor) describe(j *job, ws *platform.Workspace, a model.Artifact) model.Artifact {
	if s.stages.Transform == nil || j.cancelled() {
		return a
	}
	if j.spec.Transform.Kind == model.TransformExtract {
		return a
	}
	if j.spec.DeliverAs != model.DeliverStream && j.spec.Transform.Kind != model.TransformEncode {
		return a
	}
	dir, err := ws.Subdir("describe")
	if err != nil {
		return a
	}
	return s.stages.Transform.Describe(j.ctx, a, dir)
}

// outcome builds the terminal outcome from the stage result. Any error
// observed after a cancel request is reported as a cancellation.
func (s *Supervisor) outcome(j *job, started time.Time, attempts []model.BackendAttempt, err error) model.Outcome {
	o := model.Outcome{
		JobID:    j.id,
		Identity: j.identity,
		State:    model.JobStateSucceeded,
		Attempts: attempts,
		Started:  started,
		Finished: time.Now(),
	}
	if err == nil {
		return o
	}
	class := model.ClassOf(err)
	if j.cancelled() || class == model.ClassCancelled {
		o.State = model.JobStateCancelled
		o.Class = model.ClassCancelled
		return o
	}
	o.State = model.JobStateFailed
	o.Class = class
	o.Err = err
	return o
}

// complete is the single terminal path of a job: the workspace is already
// gone, the terminal status is written exactly once, then the identity and
// the slot are released and waiters are woken.
func (s *Supervisor) complete(j *job, o model.Outcome, holdsSlot bool, log *zap.Logger) {
	s.reporter.Finish(s.base, j.id, o)
	j.settle(o)

	s.mu.Lock()
	if s.jobs[j.identity] == j {
		delete(s.jobs, j.identity)
	}
	s.mu.Unlock()
	if holdsSlot {
		s.slots.Release(1)
	}
	j.close()

	fields := []zap.Field{
		zap.String("state", string(o.State)),
		zap.Duration("duration", o.Duration()),
		zap.Int("attempts", len(o.Attempts)),
	}
	if o.Err != nil {
		fields = append(fields, zap.String("class", o.Class.String()), zap.Error(o.Err))
	}
	log.Info("job finished", fields...)
}

// StageLabel returns the status label shown while stage runs
func StageLabel(spec model.JobSpec, stage model.Stage) string {
	switch stage {
	case model.StageDownload:
		return "Downloading"
	case model.StageTransform:
		if spec.Transform.Kind == model.TransformExtract {
			return "Extracting audio"
		}
		return "Converting"
	case model.StageUpload:
		return "Uploading"
	}
	return string(stage)
}

func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	return "job-" + id.String(), nil
}
