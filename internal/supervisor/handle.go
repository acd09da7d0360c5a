package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ytget/mediajobs/internal/model"
)

// subscriberBuffer is the channel capacity of one subscription. Progress
// events that do not fit are dropped.
const subscriberBuffer = 32

// Event is one observation of a job
type Event struct {
	JobID  string
	State  model.JobState
	Label  string
	Sample *model.ProgressSample // nil for state changes
}

// JobInfo is a snapshot of an in-flight job
type JobInfo struct {
	ID        string
	Identity  string
	State     model.JobState
	Spec      model.JobSpec
	Submitted time.Time
}

// job is the supervisor's private record of one submission
type job struct {
	id        string
	identity  string
	spec      model.JobSpec
	submitted time.Time

	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested atomic.Bool

	mu      sync.Mutex
	state   model.JobState
	subs    []chan Event
	outcome model.Outcome
	closed  bool
	done    chan struct{}
}

func newJob(parent context.Context, id, identity string, spec model.JobSpec) *job {
	ctx, cancel := context.WithCancel(parent)
	return &job{
		id:        id,
		identity:  identity,
		spec:      spec,
		submitted: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     model.JobStateQueued,
		done:      make(chan struct{}),
	}
}

// requestCancel sets the level-triggered cancel flag and aborts the active stage
func (j *job) requestCancel() {
	j.cancelRequested.Store(true)
	j.cancel()
}

func (j *job) cancelled() bool {
	return j.cancelRequested.Load()
}

func (j *job) currentState() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// setState moves the job to next if the state machine allows it
func (j *job) setState(next model.JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransition(next) {
		return false
	}
	j.state = next
	j.broadcastLocked(Event{JobID: j.id, State: next, Label: string(next)}, true)
	return true
}

func (j *job) progress(label string, s model.ProgressSample) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.broadcastLocked(Event{JobID: j.id, State: j.state, Label: label, Sample: &s}, false)
}

// settle records the terminal outcome. It does not close done.
func (j *job) settle(o model.Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcome = o
	j.state = o.State
	j.broadcastLocked(Event{JobID: j.id, State: o.State, Label: string(o.State)}, true)
}

// close ends every subscription and releases waiters
func (j *job) close() {
	j.mu.Lock()
	for _, ch := range j.subs {
		close(ch)
	}
	j.subs = nil
	j.closed = true
	j.mu.Unlock()
	j.cancel()
	close(j.done)
}

func (j *job) broadcastLocked(ev Event, important bool) {
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
			if important {
				// make room by dropping the oldest queued event
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

func (j *job) info() JobInfo {
	return JobInfo{
		ID:        j.id,
		Identity:  j.identity,
		State:     j.currentState(),
		Spec:      j.spec,
		Submitted: j.submitted,
	}
}

// Handle lets the submitter follow one job
type Handle struct {
	ID       string
	Identity string
	job      *job
}

// State returns the current job state
func (h *Handle) State() model.JobState {
	return h.job.currentState()
}

// Subscribe returns a channel of state changes and progress samples. The
// channel is closed once the job is terminal. Slow readers miss progress
// samples; Outcome is authoritative.
func (h *Handle) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.job.mu.Lock()
	defer h.job.mu.Unlock()
	if h.job.closed {
		close(ch)
		return ch
	}
	h.job.subs = append(h.job.subs, ch)
	return ch
}

// Done is closed after the job reached a terminal state and all of its
// resources were released.
func (h *Handle) Done() <-chan struct{} {
	return h.job.done
}

// Outcome returns the terminal outcome; ok is false while the job runs
func (h *Handle) Outcome() (model.Outcome, bool) {
	select {
	case <-h.job.done:
	default:
		return model.Outcome{}, false
	}
	h.job.mu.Lock()
	defer h.job.mu.Unlock()
	return h.job.outcome, true
}

// Wait blocks until the job is done or ctx ends
func (h *Handle) Wait(ctx context.Context) (model.Outcome, error) {
	select {
	case <-h.job.done:
		o, _ := h.Outcome()
		return o, nil
	case <-ctx.Done():
		return model.Outcome{}, ctx.Err()
	}
}
