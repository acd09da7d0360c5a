package model

import (
	"fmt"
	"sync"
	"time"
)

// Unit is what a progress sample counts
type Unit int

const (
	// UnitBytes counts transferred bytes
	UnitBytes Unit = iota
	// UnitMicros counts media time in microseconds
	UnitMicros
	// UnitPercent counts percentage points reported directly by a backend
	UnitPercent
)

// String returns the string representation of Unit
func (u Unit) String() string {
	switch u {
	case UnitBytes:
		return "bytes"
	case UnitMicros:
		return "us"
	case UnitPercent:
		return "percent"
	}
	return "unknown"
}

// PulseStep and PulseMax bound the sawtooth shown for indeterminate progress.
const (
	PulseStep = 5
	PulseMax  = 95
)

// ProgressSample is one progress observation of a stage
type ProgressSample struct {
	Unit    Unit
	Done    int64
	Total   int64 // <= 0 when unknown
	Started time.Time
	At      time.Time
	// Pulse is a display-only sawtooth position (0..PulseMax) advanced on
	// every indeterminate sample.
	Pulse int
}

// Indeterminate returns true if the total is unknown
func (p ProgressSample) Indeterminate() bool {
	return p.Total <= 0
}

// Percent returns completion in [0,100], or -1 when the total is unknown
func (p ProgressSample) Percent() float64 {
	if p.Indeterminate() {
		return -1
	}
	if p.Done >= p.Total {
		return 100
	}
	if p.Done <= 0 {
		return 0
	}
	return float64(p.Done) * 100 / float64(p.Total)
}

// Elapsed returns the time since the stage started
func (p ProgressSample) Elapsed() time.Duration {
	if p.Started.IsZero() || !p.At.After(p.Started) {
		return 0
	}
	return p.At.Sub(p.Started)
}

// Speed returns units per second since the stage started, 0 if unknown
func (p ProgressSample) Speed() float64 {
	elapsed := p.Elapsed().Seconds()
	if elapsed <= 0 || p.Done <= 0 {
		return 0
	}
	return float64(p.Done) / elapsed
}

// ETA returns the remaining time; ok is false when speed or total is unknown
func (p ProgressSample) ETA() (time.Duration, bool) {
	speed := p.Speed()
	if speed <= 0 || p.Indeterminate() {
		return 0, false
	}
	remaining := p.Total - p.Done
	if remaining <= 0 {
		return 0, true
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second)), true
}

// ETASeconds returns the ETA rounded to seconds, -1 if unknown
func (p ProgressSample) ETASeconds() int {
	eta, ok := p.ETA()
	if !ok {
		return -1
	}
	return int(eta.Round(time.Second) / time.Second)
}

// ProgressFunc receives progress samples of a running stage
type ProgressFunc func(ProgressSample)

// Emit calls f if it is set
func (f ProgressFunc) Emit(s ProgressSample) {
	if f != nil {
		f(s)
	}
}

// ProgressTracker builds samples for one stage. Done never decreases and
// the pulse advances on every indeterminate sample. Safe for concurrent use.
type ProgressTracker struct {
	mu      sync.Mutex
	unit    Unit
	total   int64
	done    int64
	pulse   int
	started time.Time
	now     func() time.Time
}

// NewProgressTracker starts tracking a stage now
func NewProgressTracker(unit Unit, total int64) *ProgressTracker {
	return NewProgressTrackerAt(unit, total, time.Now)
}

// NewProgressTrackerAt is NewProgressTracker with an explicit clock
func NewProgressTrackerAt(unit Unit, total int64, now func() time.Time) *ProgressTracker {
	return &ProgressTracker{unit: unit, total: total, started: now(), now: now, pulse: -PulseStep}
}

// SetTotal updates the total once it becomes known
func (t *ProgressTracker) SetTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Update records an absolute done value and returns the resulting sample
func (t *ProgressTracker) Update(done int64) ProgressSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if done > t.done {
		t.done = done
	}
	return t.sampleLocked()
}

// Add records n more units and returns the resulting sample
func (t *ProgressTracker) Add(n int64) ProgressSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 {
		t.done += n
	}
	return t.sampleLocked()
}

// Done returns the highest value recorded so far
func (t *ProgressTracker) Done() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *ProgressTracker) sampleLocked() ProgressSample {
	if t.total <= 0 {
		t.pulse += PulseStep
		if t.pulse > PulseMax {
			t.pulse = 0
		}
	}
	pulse := t.pulse
	if pulse < 0 {
		pulse = 0
	}
	return ProgressSample{
		Unit:    t.unit,
		Done:    t.done,
		Total:   t.total,
		Started: t.started,
		At:      t.now(),
		Pulse:   pulse,
	}
}

// FormatETA returns seconds formatted as mm:ss or hh:mm:ss, or "—" if unknown
func FormatETA(seconds int) string {
	if seconds <= 0 {
		return "—"
	}

	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}

// FormatClock renders a duration as hh:mm:ss
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// Monotonic wraps f so the samples it sees within one stage never go
// backwards, even when a fallback restarts the count from zero. Samples are
// compared by percentage when both totals are known, by count otherwise.
func Monotonic(f ProgressFunc) ProgressFunc {
	if f == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		last ProgressSample
		seen bool
	)
	return func(s ProgressSample) {
		mu.Lock()
		pass := !seen
		if seen {
			switch {
			case !s.Indeterminate() && !last.Indeterminate():
				pass = s.Percent() >= last.Percent()
			case s.Unit == last.Unit:
				pass = s.Done >= last.Done
			default:
				pass = s.Indeterminate() == last.Indeterminate() || last.Indeterminate()
			}
		}
		if pass {
			last, seen = s, true
		}
		mu.Unlock()
		if pass {
			f(s)
		}
	}
}
