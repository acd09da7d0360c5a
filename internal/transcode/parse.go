package transcode

import (
	"strconv"
	"strings"
)

type eventKind int

const (
	eventTime eventKind = iota + 1
	eventPercent
	eventEnd
)

// progressEvent is one recognized token of a -progress stream
type progressEvent struct {
	kind   eventKind
	micros int64
	pct    float64
}

// parseProgressLine recognizes out_time_us, out_time_ms (also microseconds),
// out_time=HH:MM:SS.ffffff, percent=N and progress=end. Everything else,
// including N/A values, is ignored.
func parseProgressLine(line string) (progressEvent, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return progressEvent{}, false
	}
	value = strings.TrimSpace(value)

	switch strings.TrimSpace(key) {
	case "out_time_us", "out_time_ms":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return progressEvent{}, false
		}
		return progressEvent{kind: eventTime, micros: n}, true
	case "out_time":
		us, ok := parseClock(value)
		if !ok {
			return progressEvent{}, false
		}
		return progressEvent{kind: eventTime, micros: us}, true
	case "percent":
		p, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return progressEvent{}, false
		}
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		return progressEvent{kind: eventPercent, pct: p}, true
	case "progress":
		if value == "end" {
			return progressEvent{kind: eventEnd}, true
		}
	}
	return progressEvent{}, false
}

// parseClock parses HH:MM:SS.ffffff into microseconds
func parseClock(s string) (int64, bool) {
	neg := strings.HasPrefix(s, "-")
	parts := strings.Split(strings.TrimPrefix(s, "-"), ":")
	if neg || len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.ParseInt(parts[0], 10, 64)
	m, err2 := strconv.ParseInt(parts[1], 10, 64)
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || m >= 60 || sec >= 60 {
		return 0, false
	}
	return (h*3600+m*60)*1_000_000 + int64(sec*1_000_000+0.5), true
}
