package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
)

// Prober reads media properties with ffprobe
type Prober struct {
	command     string
	killTimeout time.Duration
	log         *zap.Logger
}

// NewProber creates a Prober using the given ffprobe binary
func NewProber(command string, killTimeout time.Duration, log *zap.Logger) *Prober {
	if command == "" {
		command = FFprobeCommand
	}
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{command: command, killTimeout: killTimeout, log: log}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Probe returns duration and, for video, the frame size of the first video stream
func (p *Prober) Probe(ctx context.Context, path string) (model.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.command,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	cmd.WaitDelay = p.killTimeout

	output, err := cmd.Output()
	killGroup(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return model.MediaInfo{}, model.Cancelled("transcode.probe")
		}
		return model.MediaInfo{}, fmt.Errorf("failed to run ffprobe: %w", err)
	}
	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (model.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return model.MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info model.MediaInfo
	info.Duration = parseSeconds(out.Format.Duration)
	for _, s := range out.Streams {
		if s.CodecType == "video" && info.Width == 0 {
			info.Width, info.Height = s.Width, s.Height
		}
		if info.Duration == 0 {
			info.Duration = parseSeconds(s.Duration)
		}
	}
	return info, nil
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// Thumbnail writes a JPEG of the middle frame of a video to out
func Thumbnail(ctx context.Context, runner ProcessRunner, ffmpeg, in, out string, duration time.Duration) error {
	at := duration / 2
	if at <= 0 {
		at = time.Second
	}
	_, err := runner.Run(ctx, Command{Name: ffmpeg, Args: BuildThumbnailArgs(in, out, at), Output: out}, nil)
	if err != nil {
		_ = os.Remove(out)
	}
	return err
}
