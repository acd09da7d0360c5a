package transfer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog calls onStall once if Kick is not called for longer than the
// timeout. A zero or negative timeout disables it.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
	stopped bool
	paused  bool
}

// NewWatchdog arms a watchdog
func NewWatchdog(timeout time.Duration, onStall func()) *Watchdog {
	return newWatchdog(timeout, onStall, false)
}

// NewPausedWatchdog creates a watchdog that stays disarmed until the first Kick
func NewPausedWatchdog(timeout time.Duration, onStall func()) *Watchdog {
	return newWatchdog(timeout, onStall, true)
}

func newWatchdog(timeout time.Duration, onStall func(), paused bool) *Watchdog {
	w := &Watchdog{timeout: timeout, paused: paused}
	if timeout <= 0 {
		return w
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		idle := w.stopped || w.paused
		w.mu.Unlock()
		if idle {
			return
		}
		w.fired.Store(true)
		if onStall != nil {
			onStall()
		}
	})
	if paused {
		w.timer.Stop()
	}
	return w
}

// Kick restarts the stall timer, re-arming a paused watchdog
func (w *Watchdog) Kick() {
	if w.timer == nil || w.fired.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.paused = false
		w.timer.Reset(w.timeout)
	}
}

// Pause disarms the watchdog until the next Kick
func (w *Watchdog) Pause() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	w.paused = true
	w.timer.Stop()
	w.mu.Unlock()
}

// Stop disarms the watchdog
func (w *Watchdog) Stop() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	w.stopped = true
	w.timer.Stop()
	w.mu.Unlock()
}

// Fired reports whether the stall callback ran
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}
