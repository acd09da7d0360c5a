package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Discard drops every status
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Create(context.Context, Status) error { return nil }
func (discardSink) Edit(context.Context, Status) error   { return nil }

// WriterSink prints every status as a block of lines, e.g. to a terminal
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Create implements Sink
func (s *WriterSink) Create(_ context.Context, st Status) error {
	return s.write(st)
}

// Edit implements Sink
func (s *WriterSink) Edit(_ context.Context, st Status) error {
	return s.write(st)
}

func (s *WriterSink) write(st Status) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", st.JobID, strings.ReplaceAll(st.Text, "\n", "\n    "))
	if st.Cancel != nil {
		fmt.Fprintf(&b, "    (%s: Ctrl+C)\n", st.Cancel.Label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

// LogSink writes statuses as structured log entries
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink logging through log
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

// Create implements Sink
func (s *LogSink) Create(_ context.Context, st Status) error {
	s.log.Info("status created", statusFields(st)...)
	return nil
}

// Edit implements Sink
func (s *LogSink) Edit(_ context.Context, st Status) error {
	s.log.Info("status updated", statusFields(st)...)
	return nil
}

func statusFields(st Status) []zap.Field {
	return []zap.Field{
		zap.String("job_id", st.JobID),
		zap.String("label", st.Label),
		zap.String("text", st.Text),
		zap.Bool("terminal", st.Terminal),
		zap.Bool("cancellable", st.Cancel != nil),
	}
}
