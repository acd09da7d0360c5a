package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
)

const (
	sourceURL  = "url"
	sourceFile = "file"
	sourceLink = "link"

	statusTerminal = "terminal"
	statusLog      = "log"

	shutdownTimeout = 30 * time.Second
)

// runOptions are the flags of the run command
type runOptions struct {
	source   string
	encode   string
	extract  string
	bitrate  string
	stream   bool
	name     string
	identity string
	status   string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	c := &cobra.Command{
		Use:   "run <url-or-path>",
		Short: "Run one job",
		Long: `Runs one job and shows its status until it ends.

The source is a direct media URL (--source url), a page link resolved by the
extractor (--source link) or a local file (--source file). Without --source a
local path is treated as a file and anything else as a URL.
Press Ctrl+C to cancel the job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			spec, err := opts.jobSpec(args[0])
			if err != nil {
				return err
			}
			return runJob(c, opts, spec)
		},
	}

	f := c.Flags()
	f.StringVar(&opts.source, "source", "", "Source kind: url, link or file")
	f.StringVar(&opts.encode, "encode", "", "Re-encode to a profile: 2160p..144p or stream")
	f.StringVar(&opts.extract, "extract", "", "Extract audio: mp3, m4a, opus or wav")
	f.StringVar(&opts.bitrate, "bitrate", "", "Audio bitrate for --extract, e.g. 320k")
	f.BoolVar(&opts.stream, "stream", false, "Deliver as a streamable video")
	f.StringVar(&opts.name, "name", "", "File name of the delivered artifact")
	f.StringVar(&opts.identity, "identity", "cli", "Requester identity")
	f.StringVar(&opts.status, "status", statusTerminal, "Status output: terminal or log")
	return c
}

// jobSpec builds and validates the job description from the flags
func (o *runOptions) jobSpec(locator string) (model.JobSpec, error) {
	spec := model.JobSpec{
		Locator:   strings.TrimSpace(locator),
		DeliverAs: model.DeliverFile,
		Name:      o.name,
	}
	if o.stream {
		spec.DeliverAs = model.DeliverStream
	}

	switch strings.ToLower(o.source) {
	case sourceURL:
		spec.Source = model.SourceURL
	case sourceLink:
		spec.Source = model.SourceResolvedLink
	case sourceFile:
		spec.Source = model.SourceUploadedFile
	case "":
		spec.Source = model.SourceURL
		if !looksLikeURL(spec.Locator) {
			spec.Source = model.SourceUploadedFile
		}
	default:
		return model.JobSpec{}, fmt.Errorf("%w: unknown source %q", model.ErrInvalidSpec, o.source)
	}
	if spec.Source == model.SourceUploadedFile && !looksLikeURL(spec.Locator) {
		abs, err := filepath.Abs(spec.Locator)
		if err != nil {
			return model.JobSpec{}, fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
		}
		spec.Locator = abs
	}

	switch {
	case o.encode != "" && o.extract != "":
		return model.JobSpec{}, fmt.Errorf("%w: --encode and --extract are exclusive", model.ErrInvalidSpec)
	case o.encode != "":
		spec.Transform = model.Transform{Kind: model.TransformEncode, Profile: strings.ToLower(o.encode)}
	case o.extract != "":
		spec.Transform = model.Transform{Kind: model.TransformExtract, Format: strings.ToLower(o.extract), Bitrate: o.bitrate}
	default:
		spec.Transform = model.Transform{Kind: model.TransformNone}
	}
	if o.stream && spec.Transform.Kind == model.TransformExtract {
		return model.JobSpec{}, fmt.Errorf("%w: --stream needs a video", model.ErrInvalidSpec)
	}

	return spec, spec.Validate()
}

func looksLikeURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func runJob(c *cobra.Command, opts *runOptions, spec model.JobSpec) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := newLogger(debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sup, err := wire(ctx, settings, opts.status, c.OutOrStdout(), log)
	if err != nil {
		return err
	}

	handle, err := sup.Submit(opts.identity, spec)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	var outcome model.Outcome
wait:
	for {
		select {
		case sig := <-signals:
			log.Info("cancelling job", zap.String("signal", sig.String()), zap.String("job_id", handle.ID))
			sup.Cancel(opts.identity)
		case <-handle.Done():
			outcome, _ = handle.Outcome()
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}

	if outcome.State != model.JobStateSucceeded {
		return fmt.Errorf("job %s: %s", strings.ToLower(string(outcome.State)), outcome.Reason())
	}
	return nil
}
