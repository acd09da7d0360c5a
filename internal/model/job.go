package model

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// SourceKind identifies where a job's input comes from
type SourceKind string

const (
	// SourceURL is a direct link to a media file
	SourceURL SourceKind = "URL"

	// SourceUploadedFile is a file handed over by the adapter, either as a
	// fetchable URL or as an absolute local path
	SourceUploadedFile SourceKind = "UploadedFile"

	// SourceResolvedLink is a page link that an extractor must turn into a media file
	SourceResolvedLink SourceKind = "ResolvedLink"
)

// TransformKind selects the optional transform stage
type TransformKind string

const (
	TransformNone    TransformKind = "None"
	TransformEncode  TransformKind = "Encode"
	TransformExtract TransformKind = "Extract"
)

// DeliverAs selects how the final artifact is presented to the user
type DeliverAs string

const (
	DeliverFile   DeliverAs = "File"
	DeliverStream DeliverAs = "Stream"
)

// ProfileStream re-encodes without scaling so the result seeks and streams correctly.
const ProfileStream = "stream"

// profileHeights maps encode profiles to the target frame height.
var profileHeights = map[string]int{
	"2160p": 2160,
	"1440p": 1440,
	"1080p": 1080,
	"720p":  720,
	"480p":  480,
	"360p":  360,
	"240p":  240,
	"144p":  144,
}

// extractFormats lists audio formats Extract can produce and their default bitrate.
var extractFormats = map[string]string{
	"mp3":  "192k",
	"m4a":  "192k",
	"opus": "128k",
	"wav":  "",
}

// ProfileHeight returns the frame height for an encode profile.
// The stream profile keeps the source height and reports 0.
func ProfileHeight(profile string) (int, bool) {
	if profile == ProfileStream {
		return 0, true
	}
	h, ok := profileHeights[strings.ToLower(profile)]
	return h, ok
}

// DefaultBitrate returns the default audio bitrate for an extract format.
func DefaultBitrate(format string) (string, bool) {
	b, ok := extractFormats[strings.ToLower(format)]
	return b, ok
}

// Transform describes the optional transform stage of a job
type Transform struct {
	Kind    TransformKind
	Profile string // Encode: 2160p..144p or "stream"
	Format  string // Extract: mp3, m4a, opus, wav
	Bitrate string // Extract: overrides the format default, e.g. "320k"
}

// Enabled returns true if the job has a transform stage
func (t Transform) Enabled() bool {
	return t.Kind != "" && t.Kind != TransformNone
}

// String returns a short human label for the transform
func (t Transform) String() string {
	switch t.Kind {
	case TransformEncode:
		return "encode " + t.Profile
	case TransformExtract:
		return "extract " + t.Format
	}
	return "none"
}

// JobSpec is the immutable description of one job. It is validated once at
// submission and never changed afterwards.
type JobSpec struct {
	Source    SourceKind
	Locator   string
	Transform Transform
	DeliverAs DeliverAs
	Name      string // optional display name for the delivered artifact
}

// Validate reports the first problem found in the job description as an
// error wrapping ErrInvalidSpec.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Locator) == "" {
		return fmt.Errorf("%w: empty source locator", ErrInvalidSpec)
	}

	switch s.Source {
	case SourceURL, SourceResolvedLink:
		if !isHTTPURL(s.Locator) {
			return fmt.Errorf("%w: %s source needs an http(s) URL", ErrInvalidSpec, s.Source)
		}
	case SourceUploadedFile:
		if !isHTTPURL(s.Locator) && !filepath.IsAbs(s.Locator) {
			return fmt.Errorf("%w: uploaded file must be a URL or an absolute path", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidSpec, s.Source)
	}

	switch s.Transform.Kind {
	case "", TransformNone:
	case TransformEncode:
		if _, ok := ProfileHeight(s.Transform.Profile); !ok {
			return fmt.Errorf("%w: unknown encode profile %q", ErrInvalidSpec, s.Transform.Profile)
		}
	case TransformExtract:
		if _, ok := DefaultBitrate(s.Transform.Format); !ok {
			return fmt.Errorf("%w: unknown extract format %q", ErrInvalidSpec, s.Transform.Format)
		}
	default:
		return fmt.Errorf("%w: unknown transform %q", ErrInvalidSpec, s.Transform.Kind)
	}

	switch s.DeliverAs {
	case "", DeliverFile, DeliverStream:
	default:
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidSpec, s.DeliverAs)
	}
	return nil
}

// Stages returns the ordered stages this spec runs through
func (s JobSpec) Stages() []Stage {
	if s.Transform.Enabled() {
		return []Stage{StageDownload, StageTransform, StageUpload}
	}
	return []Stage{StageDownload, StageUpload}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
