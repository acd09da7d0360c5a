package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ytget/mediajobs/internal/model"
)

// BarSlots is the width of the progress bar
const BarSlots = 14

const (
	slotFull  = "●"
	slotEmpty = "○"
	separator = " • "
)

// Bar renders percent (clamped to 0..100) as a BarSlots wide bar
func Bar(percent float64) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * BarSlots)
	return "[" + strings.Repeat(slotFull, filled) + strings.Repeat(slotEmpty, BarSlots-filled) + "]"
}

// Render returns the status text for a progress sample
func Render(label string, s model.ProgressSample) string {
	var b strings.Builder
	b.WriteString(label)
	b.WriteByte('\n')

	if s.Indeterminate() {
		b.WriteString(Bar(float64(s.Pulse)))
		b.WriteString(" --%")
	} else {
		b.WriteString(Bar(s.Percent()))
		fmt.Fprintf(&b, " %.1f%%", s.Percent())
	}

	if details := renderDetails(s); details != "" {
		b.WriteByte('\n')
		b.WriteString(details)
	}
	return b.String()
}

func renderDetails(s model.ProgressSample) string {
	var parts []string
	switch s.Unit {
	case model.UnitBytes:
		if s.Indeterminate() {
			parts = append(parts, humanize.IBytes(uint64(max(s.Done, 0))))
		} else {
			parts = append(parts, humanize.IBytes(uint64(max(s.Done, 0)))+" / "+humanize.IBytes(uint64(s.Total)))
		}
		parts = append(parts, humanize.IBytes(uint64(s.Speed()))+"/s")
	case model.UnitMicros:
		done := model.FormatClock(time.Duration(s.Done) * time.Microsecond)
		if s.Indeterminate() {
			parts = append(parts, done)
		} else {
			parts = append(parts, done+" / "+model.FormatClock(time.Duration(s.Total)*time.Microsecond))
		}
		if speed := s.Speed(); speed > 0 {
			parts = append(parts, fmt.Sprintf("%.1fx", speed/float64(time.Second/time.Microsecond)))
		}
	}
	if eta := s.ETASeconds(); eta > 0 {
		parts = append(parts, "ETA "+model.FormatETA(eta))
	}
	return strings.Join(parts, separator)
}

// RenderOutcome returns the terminal status text of a job
func RenderOutcome(o model.Outcome) string {
	switch o.State {
	case model.JobStateSucceeded:
		var b strings.Builder
		b.WriteString("Done")
		if o.Receipt == nil {
			return b.String()
		}
		fmt.Fprintf(&b, ": %s\n%s", o.Receipt.Name, humanize.IBytes(uint64(max(o.Receipt.Size, 0))))
		if d := o.Duration(); d > 0 {
			b.WriteString(separator)
			b.WriteString(model.FormatClock(d))
		}
		if o.Receipt.Media != nil && o.Receipt.Media.Height > 0 {
			fmt.Fprintf(&b, "%s%dx%d", separator, o.Receipt.Media.Width, o.Receipt.Media.Height)
		}
		if o.Receipt.Location != "" {
			b.WriteByte('\n')
			b.WriteString(o.Receipt.Location)
		}
		return b.String()
	case model.JobStateCancelled:
		return "Cancelled by user"
	}
	return "Failed: " + o.Reason()
}
