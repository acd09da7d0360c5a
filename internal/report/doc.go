package report

// Package report renders job progress into one status message per job and
// writes it through a Sink. Updates are coalesced per job, a stage change is
// always shown, and the terminal status is flushed exactly once.
