package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ytget/mediajobs/internal/model"
)

// Runner defaults
const (
	DefaultKillTimeout = 10 * time.Second
	DefaultTailLines   = 35
	maxLineLength      = 1 << 20
)

// Command describes one external process invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	// Output is the file the command must produce. Empty skips the check.
	Output string
	// TotalMicros is the expected media duration; <= 0 means unknown.
	TotalMicros int64
	// OnLine, when set, replaces the ffmpeg -progress parser. Lines it
	// reports as consumed are kept out of the error tail.
	OnLine func(line string) bool
}

// Runner spawns external transform commands
type Runner struct {
	killTimeout time.Duration
	tailLines   int
	log         *zap.Logger
}

// NewRunner creates a Runner. Zero values select the defaults.
func NewRunner(killTimeout time.Duration, tailLines int, log *zap.Logger) *Runner {
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{killTimeout: killTimeout, tailLines: tailLines, log: log}
}

// Run starts the command and blocks until it and every process in its group
// are gone. It returns the exit code (-1 if the process never ran or was
// killed by a signal). On cancellation the group receives SIGTERM and, after
// the kill timeout, SIGKILL.
func (r *Runner) Run(ctx context.Context, c Command, onProgress model.ProgressFunc) (int, error) {
	const op = "transcode.run"

	if ctx.Err() != nil {
		return -1, model.Cancelled(op)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return -1, model.NewError(model.ClassInternal, op, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return -1, model.NewError(model.ClassInternal, op, err)
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	cmd.WaitDelay = r.killTimeout

	log := r.log.With(zap.String("command", c.Name))
	started := time.Now()
	err = cmd.Start()
	// the child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		if ctx.Err() != nil {
			return -1, model.Cancelled(op)
		}
		return -1, model.NewError(model.ClassTransformFailed, op, err)
	}
	log.Debug("process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", c.Args))

	tail := newTailBuffer(r.tailLines)
	progress := newProgressState(c.TotalMicros)

	var g errgroup.Group
	handle := func(line string) bool {
		if c.OnLine != nil {
			return c.OnLine(line)
		}
		if ev, ok := parseProgressLine(line); ok {
			progress.apply(ev, onProgress)
			return true
		}
		return false
	}
	g.Go(func() error { return scanLines(stdoutR, tail, handle) })
	g.Go(func() error { return scanLines(stderrR, tail, handle) })

	waitErr := cmd.Wait()
	// helpers the command spawned may still hold the pipes open
	killGroup(cmd)
	scanErr := g.Wait()
	stdoutR.Close()
	stderrR.Close()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	log = log.With(zap.Int("exit_code", exitCode), zap.Duration("duration", time.Since(started)))

	if ctx.Err() != nil {
		log.Info("process cancelled")
		return exitCode, model.Cancelled(op)
	}

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		e := model.NewError(model.ClassTransformFailed, op, fmt.Errorf("%s: %w", c.Name, waitErr))
		e.Tail = tail.Lines()
		log.Warn("process failed", zap.Error(waitErr), zap.Strings("tail", e.Tail))
		return exitCode, e
	}
	if scanErr != nil {
		log.Debug("output scan ended with error", zap.Error(scanErr))
	}

	if c.Output != "" {
		info, err := os.Stat(c.Output)
		if err != nil || info.Size() == 0 {
			e := model.Errorf(model.ClassTransformFailed, op, "%s exited %d without producing %s", c.Name, exitCode, c.Output)
			e.Tail = tail.Lines()
			log.Warn("process produced no output", zap.Strings("tail", e.Tail))
			return exitCode, e
		}
	}

	progress.finish(onProgress)
	log.Debug("process finished")
	return exitCode, nil
}

func scanLines(rd io.Reader, tail *tailBuffer, handle func(string) bool) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64<<10), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if handle(line) {
			continue
		}
		if strings.TrimSpace(line) != "" {
			tail.Add(line)
		}
	}
	err := scanner.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// progressState maps -progress events to samples. Time events use media
// microseconds; without a duration hint those samples are indeterminate and
// carry the sawtooth pulse. Percent events use their own tracker.
type progressState struct {
	mu      sync.Mutex
	total   int64
	timeTr  *model.ProgressTracker
	pctTr   *model.ProgressTracker
	lastPct bool
	ended   bool
}

func newProgressState(totalMicros int64) *progressState {
	if totalMicros < 0 {
		totalMicros = 0
	}
	return &progressState{
		total:  totalMicros,
		timeTr: model.NewProgressTracker(model.UnitMicros, totalMicros),
		pctTr:  model.NewProgressTracker(model.UnitPercent, 100),
	}
}

func (p *progressState) apply(ev progressEvent, onProgress model.ProgressFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.kind {
	case eventTime:
		done := ev.micros
		if p.total > 0 && done > p.total {
			done = p.total
		}
		p.lastPct = false
		onProgress.Emit(p.timeTr.Update(done))
	case eventPercent:
		p.lastPct = true
		onProgress.Emit(p.pctTr.Update(int64(ev.pct)))
	case eventEnd:
		p.ended = true
		p.completeLocked(onProgress)
	}
}

// finish reports completion once the process succeeded, unless the stream
// already carried progress=end.
func (p *progressState) finish(onProgress model.ProgressFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ended {
		p.completeLocked(onProgress)
	}
}

func (p *progressState) completeLocked(onProgress model.ProgressFunc) {
	switch {
	case p.lastPct:
		onProgress.Emit(p.pctTr.Update(100))
	case p.total > 0:
		onProgress.Emit(p.timeTr.Update(p.total))
	}
}

// tailBuffer keeps the last n non-progress output lines
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
