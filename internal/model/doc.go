package model

// Package model defines domain data structures shared by every stage of the
// job engine: job states and specs, progress samples, the error taxonomy used
// for fallback decisions, and the artifacts a job produces. Structures are
// plain values with explicit state transitions and no I/O.
