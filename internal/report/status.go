package report

import (
	"context"
)

// CancelLabel is the label of the cancel affordance
const CancelLabel = "Cancel"

// CancelAction is the cancel affordance attached to non-terminal statuses
type CancelAction struct {
	JobID string
	Label string
}

// Status is one rendering of a job's status message
type Status struct {
	JobID    string
	Label    string
	Text     string
	Cancel   *CancelAction // nil on terminal statuses
	Terminal bool
}

// Sink displays status messages. Create shows the first message of a job,
// Edit replaces it.
type Sink interface {
	Create(ctx context.Context, s Status) error
	Edit(ctx context.Context, s Status) error
}
