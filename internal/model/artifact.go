package model

import (
	"strings"
	"time"
)

// MediaInfo holds probed properties of a media file
type MediaInfo struct {
	Duration time.Duration
	Width    int
	Height   int
}

// Artifact is a file produced by a stage
type Artifact struct {
	Path        string
	Name        string // display/delivery file name
	Size        int64
	ContentType string
	Streamable  bool
	Thumbnail   string // optional JPEG path
	Media       *MediaInfo
}

// Receipt describes where a delivered artifact ended up
type Receipt struct {
	Backend     string
	Location    string // path or URL the user can retrieve the artifact from
	Name        string
	Size        int64
	ContentType string
	Streamable  bool
	Thumbnail   string // location of the delivered thumbnail, if any
	Media       *MediaInfo
}

// Strategy names which side of a fallback pair ran
type Strategy string

const (
	StrategyPrimary   Strategy = "Primary"
	StrategySecondary Strategy = "Secondary"
)

// BackendAttempt records one strategy attempt
type BackendAttempt struct {
	Strategy Strategy
	Backend  string     // concrete backend name, e.g. "ffmpeg" or "cloudconvert"
	Class    ErrorClass // ClassNone when the attempt succeeded
	Err      error
}

// Outcome is the terminal result of a job
type Outcome struct {
	JobID    string
	Identity string
	State    JobState
	Receipt  *Receipt
	Err      error
	Class    ErrorClass
	Attempts []BackendAttempt
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the job ran
func (o Outcome) Duration() time.Duration {
	if o.Started.IsZero() || o.Finished.Before(o.Started) {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// Reason returns a one-line description of why the job did not succeed
func (o Outcome) Reason() string {
	switch o.State {
	case JobStateSucceeded:
		return ""
	case JobStateCancelled:
		return "cancelled by user"
	}
	var b strings.Builder
	b.WriteString(o.Class.String())
	if o.Err != nil {
		b.WriteString(": ")
		b.WriteString(o.Err.Error())
	}
	return b.String()
}
