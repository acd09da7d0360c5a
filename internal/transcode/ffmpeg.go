package transcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ytget/mediajobs/internal/model"
)

// FFmpeg constants for encode settings
const (
	// Video codec settings
	VideoCodec   = "libx264"
	VideoPreset  = "medium"
	StreamPreset = "veryfast"
	VideoCRF     = "23"
	PixelFormat  = "yuv420p"
	KeyframeGap  = "48"

	// Audio codec settings
	AudioCodec   = "aac"
	AudioBitrate = "128k"

	// Container flags
	FastStartFlag = "+faststart"

	// Executable and I/O constants
	FFmpegCommand      = "ffmpeg"
	FFprobeCommand     = "ffprobe"
	ProgressPipeTarget = "pipe:1"
	OutputExtensionMP4 = ".mp4"
	ThumbnailExtension = ".jpg"
)

// audioCodecs maps extract formats to encoder and container extension
var audioCodecs = map[string]struct {
	codec string
	ext   string
}{
	"mp3":  {"libmp3lame", ".mp3"},
	"m4a":  {"aac", ".m4a"},
	"opus": {"libopus", ".opus"},
	"wav":  {"pcm_s16le", ".wav"},
}

// progressArgs makes ffmpeg write key=value progress to stdout and keeps
// stderr for diagnostics.
var progressArgs = []string{"-progress", ProgressPipeTarget, "-nostats", "-hide_banner", "-loglevel", "error"}

// BuildEncodeArgs builds ffmpeg arguments for an Encode transform. Height
// profiles scale down (never up) to the target height; the stream profile
// keeps the resolution and fixes timestamps and keyframes so the result
// seeks and streams correctly.
func BuildEncodeArgs(inputPath, outputPath, profile string) ([]string, error) {
	height, ok := model.ProfileHeight(profile)
	if !ok {
		return nil, fmt.Errorf("unknown encode profile %q", profile)
	}

	args := []string{"-y"}
	if profile == model.ProfileStream {
		args = append(args,
			"-fflags", "+genpts",
			"-i", inputPath,
			"-avoid_negative_ts", "make_zero",
			"-map", "0:v:0?", "-map", "0:a:0?",
			"-c:v", VideoCodec,
			"-preset", StreamPreset,
			"-crf", VideoCRF,
			"-pix_fmt", PixelFormat,
			"-g", KeyframeGap,
			"-keyint_min", KeyframeGap,
			"-sc_threshold", "0",
		)
	} else {
		args = append(args,
			"-i", inputPath,
			"-map", "0:v:0?", "-map", "0:a:0?",
			"-vf", "scale=-2:'min("+strconv.Itoa(height)+",ih)'",
			"-c:v", VideoCodec,
			"-preset", VideoPreset,
			"-crf", VideoCRF,
			"-pix_fmt", PixelFormat,
		)
	}
	args = append(args,
		"-c:a", AudioCodec,
		"-b:a", AudioBitrate,
		"-movflags", FastStartFlag,
	)
	args = append(args, progressArgs...)
	return append(args, outputPath), nil
}

// BuildExtractArgs builds ffmpeg arguments for an Extract transform
func BuildExtractArgs(inputPath, outputPath, format, bitrate string) ([]string, error) {
	format = strings.ToLower(format)
	codec, ok := audioCodecs[format]
	if !ok {
		return nil, fmt.Errorf("unknown extract format %q", format)
	}
	if bitrate == "" {
		bitrate, _ = model.DefaultBitrate(format)
	}

	args := []string{"-y", "-i", inputPath, "-vn", "-map", "0:a:0", "-c:a", codec.codec}
	if bitrate != "" && format != "wav" {
		args = append(args, "-b:a", bitrate)
	}
	args = append(args, progressArgs...)
	return append(args, outputPath), nil
}

// BuildThumbnailArgs grabs one frame at the given offset as JPEG
func BuildThumbnailArgs(inputPath, outputPath string, at time.Duration) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", inputPath,
		"-frames:v", "1",
		"-q:v", "4",
		"-hide_banner", "-loglevel", "error",
		outputPath,
	}
}

// OutputExtension returns the container extension a transform produces
func OutputExtension(t model.Transform) string {
	if t.Kind == model.TransformExtract {
		if c, ok := audioCodecs[strings.ToLower(t.Format)]; ok {
			return c.ext
		}
	}
	return OutputExtensionMP4
}
