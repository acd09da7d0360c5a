package model

// JobState represents the lifecycle state of a job
type JobState string

const (
	// JobStateQueued means the job was accepted but no stage has started
	JobStateQueued JobState = "Queued"

	// JobStateDownloading means the source is being fetched
	JobStateDownloading JobState = "Downloading"

	// JobStateTransforming means the fetched artifact is being re-encoded or converted
	JobStateTransforming JobState = "Transforming"

	// JobStateUploading means the final artifact is being delivered
	JobStateUploading JobState = "Uploading"

	// JobStateSucceeded means the artifact was delivered
	JobStateSucceeded JobState = "Succeeded"

	// JobStateCancelled means the job was stopped by its requester
	JobStateCancelled JobState = "Cancelled"

	// JobStateFailed means the job ended with an unrecoverable error
	JobStateFailed JobState = "Failed"
)

// String returns the string representation of JobState
func (s JobState) String() string {
	return string(s)
}

// IsActive returns true if a stage is currently running for the job
func (s JobState) IsActive() bool {
	return s == JobStateDownloading || s == JobStateTransforming || s == JobStateUploading
}

// IsTerminal returns true if the job reached a final state (succeeded, cancelled, or failed)
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateCancelled || s == JobStateFailed
}

// CanTransition reports whether moving from s to next is a legal step of the
// job state machine.
func (s JobState) CanTransition(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case JobStateCancelled, JobStateFailed:
		return true
	case JobStateDownloading:
		return s == JobStateQueued
	case JobStateTransforming:
		return s == JobStateDownloading
	case JobStateUploading:
		return s == JobStateDownloading || s == JobStateTransforming
	case JobStateSucceeded:
		return s == JobStateUploading
	}
	return false
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageDownload  Stage = "download"
	StageTransform Stage = "transform"
	StageUpload    Stage = "upload"
)

// State returns the job state a stage runs in.
func (s Stage) State() JobState {
	switch s {
	case StageDownload:
		return JobStateDownloading
	case StageTransform:
		return JobStateTransforming
	case StageUpload:
		return JobStateUploading
	}
	return JobStateQueued
}
