package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/cloudconvert"
	"github.com/ytget/mediajobs/internal/config"
	"github.com/ytget/mediajobs/internal/deliver"
	"github.com/ytget/mediajobs/internal/download"
	"github.com/ytget/mediajobs/internal/platform"
	"github.com/ytget/mediajobs/internal/report"
	"github.com/ytget/mediajobs/internal/supervisor"
	"github.com/ytget/mediajobs/internal/transcode"
	"github.com/ytget/mediajobs/internal/transfer"
)

// wire builds the stage services and the supervisor from settings
func wire(ctx context.Context, s *config.Settings, status string, out io.Writer, log *zap.Logger) (*supervisor.Supervisor, error) {
	if err := platform.CreateDirectoryIfNotExists(s.GetWorkspaceDir()); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}

	limits := s.GetLimits()
	engine := transfer.New(
		transfer.WithUserAgent(s.GetUserAgent()),
		transfer.WithLogger(log),
	)

	fetcher := download.NewService(engine, download.Options{
		Limits:   limits,
		YTDLP:    s.GetYTDLP(),
		Resolver: s.GetResolver(),
	}, log)

	topts := s.GetTranscodeOptions()
	if s.RemoteTransformEnabled() {
		client := cloudconvert.NewClient(s.GetCloudConvert(), engine, log)
		topts.Remote = cloudconvert.NewTransformer(client, engine, limits, log)
	}
	transformer := transcode.NewService(topts, log)

	publisher, err := deliver.New(ctx, s.GetDeliver(), engine, limits, log)
	if err != nil {
		return nil, err
	}

	var sink report.Sink
	switch status {
	case statusTerminal:
		sink = report.NewWriterSink(out)
	case statusLog:
		sink = report.NewLogSink(log)
	default:
		return nil, fmt.Errorf("unknown status output %q", status)
	}
	reporter := report.New(sink, log, report.WithMinInterval(s.GetReportMinInterval()))

	return supervisor.New(
		supervisor.Stages{Fetch: fetcher, Transform: transformer, Publish: publisher},
		reporter,
		supervisor.Options{MaxActive: s.GetMaxActive(), WorkspaceRoot: s.GetWorkspaceDir()},
		log,
	), nil
}
