package report

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ytget/mediajobs/internal/model"
)

// DefaultMinInterval is the minimum time between two status edits of a job
const DefaultMinInterval = 3 * time.Second

// Reporter keeps one status message per job up to date
type Reporter struct {
	sink        Sink
	minInterval time.Duration
	clock       func() time.Time
	log         *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobStatus
}

type jobStatus struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	label   string
	text    string
	created bool
	dropped bool // Create failed, later updates are not shown
}

// Option configures a Reporter
type Option func(*Reporter)

// WithMinInterval sets the coalescing interval
func WithMinInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.minInterval = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.clock = now
		}
	}
}

// New creates a Reporter writing to sink
func New(sink Sink, log *zap.Logger, opts ...Option) *Reporter {
	if sink == nil {
		sink = Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reporter{
		sink:        sink,
		minInterval: DefaultMinInterval,
		clock:       time.Now,
		log:         log,
		jobs:        make(map[string]*jobStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report shows a progress sample. Updates arriving faster than the minimum
// interval are dropped unless the label changed; identical renderings are
// never written twice.
func (r *Reporter) Report(ctx context.Context, jobID string, sample model.ProgressSample, label string) {
	r.show(ctx, jobID, label, Render(label, sample))
}

// Announce shows a label without progress, e.g. when a job is queued
func (r *Reporter) Announce(ctx context.Context, jobID, label string) {
	r.show(ctx, jobID, label, label)
}

func (r *Reporter) show(ctx context.Context, jobID, label, text string) {
	st := r.entry(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.dropped {
		return
	}
	labelChanged := label != st.label
	if !labelChanged && text == st.text {
		return
	}
	if allowed := st.limiter.AllowN(r.clock(), 1); !allowed && !labelChanged {
		return
	}

	status := Status{
		JobID:  jobID,
		Label:  label,
		Text:   text,
		Cancel: &CancelAction{JobID: jobID, Label: CancelLabel},
	}
	if !st.created {
		if err := r.sink.Create(ctx, status); err != nil {
			st.dropped = true
			r.log.Debug("status create failed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		st.created = true
	} else if err := r.sink.Edit(ctx, status); err != nil {
		r.log.Debug("status edit failed", zap.String("job_id", jobID), zap.Error(err))
	}
	st.label = label
	st.text = text
}

// Finish writes the terminal status of a job exactly once and forgets the job.
// The cancel affordance is removed.
func (r *Reporter) Finish(ctx context.Context, jobID string, outcome model.Outcome) {
	r.mu.Lock()
	st, ok := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()

	status := Status{
		JobID:    jobID,
		Label:    string(outcome.State),
		Text:     RenderOutcome(outcome),
		Terminal: true,
	}

	created := false
	if ok {
		st.mu.Lock()
		created = st.created
		st.mu.Unlock()
	}

	var err error
	if created {
		err = r.sink.Edit(ctx, status)
	} else {
		err = r.sink.Create(ctx, status)
	}
	if err != nil {
		r.log.Debug("terminal status write failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Tracked returns the number of jobs with a live status message
func (r *Reporter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Reporter) entry(jobID string) *jobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[jobID]
	if !ok {
		st = &jobStatus{limiter: rate.NewLimiter(rate.Every(r.minInterval), 1)}
		r.jobs[jobID] = st
	}
	return st
}
