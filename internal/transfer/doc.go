package transfer

// Package transfer moves bytes between readers, writers and HTTP endpoints in
// bounded chunks. Every transfer enforces a size ceiling, aborts when no data
// arrives for the stall timeout, observes cancellation on each chunk and
// reports a progress sample after every chunk.
