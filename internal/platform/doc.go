package platform

// Package platform contains filesystem glue shared by the pipeline stages:
// the per-job temporary workspace with its ordered artifact list, file name
// sanitation, and lookup of files written by external tools.
