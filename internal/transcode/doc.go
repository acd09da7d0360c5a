package transcode

// Package transcode runs the transform stage. It spawns ffmpeg in its own
// process group, turns the -progress key=value stream into progress samples,
// guarantees the process tree is gone when Run returns, and falls back to
// the remote conversion service when the local encoder stalls or is rejected.
