package cmd

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/folio/internal/config"
	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/pdf"
	"github.com/MeKo-Tech/folio/internal/pipeline"
	"github.com/MeKo-Tech/folio/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP run service",
		Long: `Start an HTTP server that runs the pipeline on uploaded manuscripts.

The server provides the following endpoints:
  POST /runs              - Upload a PDF (multipart field "document") and queue a run
  GET  /runs              - List runs
  GET  /runs/{id}         - Run status and report
  GET  /runs/{id}/result  - Result document (?format=json|yaml|text)
  GET  /runs/{id}/events  - Websocket stream of stage events
  GET  /health            - Health check endpoint
  GET  /metrics           - Prometheus metrics

Examples:
  folio serve --config folio.yaml
  folio serve --host 0.0.0.0 --port 3000 --max-concurrent-runs 2`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}

	d := config.DefaultConfig().Server
	f := serveCmd.Flags()
	f.String("host", d.Host, "address to listen on")
	f.Int("port", d.Port, "port to listen on")
	f.String("cors-origin", d.CORSOrigin, "allowed CORS origin")
	f.Int64("max-upload-size", d.MaxUploadMB, "maximum upload size in MB")
	f.String("work-dir", d.WorkDir, "directory receiving one subdirectory per run")
	f.Int("submissions-per-minute", d.SubmissionsPerMinute, "run submissions allowed per client and minute (0 disables)")
	f.Int("max-concurrent-runs", d.MaxConcurrentRuns, "runs processed at the same time")
	configFlag(f, "host", "server.host")
	configFlag(f, "port", "server.port")
	configFlag(f, "cors-origin", "server.cors_origin")
	configFlag(f, "max-upload-size", "server.max_upload_mb")
	configFlag(f, "work-dir", "server.work_dir")
	configFlag(f, "submissions-per-minute", "server.submissions_per_minute")
	configFlag(f, "max-concurrent-runs", "server.max_concurrent_runs")
	return serveCmd
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	if err := a.cfg.RequireKeys("serve"); err != nil {
		return err
	}

	example, err := a.workedExample()
	if err != nil {
		return err
	}
	refiner, err := a.refineClient()
	if err != nil {
		return err
	}
	htrClient := a.htrClient()
	rasterizer := pdf.NewRasterizer(pdf.Options{
		Password:    a.cfg.Split.Password,
		JPEGQuality: a.cfg.Split.JPEGQuality,
	}, a.logger)
	metrics := pipeline.NewMetrics()

	run := func(ctx context.Context, documentPath, outputDir string,
		progress pipeline.ProgressCallback,
	) (folio.ResultSet, pipeline.Report, error) {
		cfg := pipelineConfig(a.cfg, example)
		cfg.TranscriptDir = filepath.Join(filepath.Dir(outputDir), "transcripts")
		cb := pipeline.NewMultiProgressCallback(pipeline.NewLogProgressCallback(a.logger, slog.LevelDebug), progress)

		return pipeline.New(rasterizer, htrClient, refiner, cfg).
			WithLogger(a.logger).
			WithProgress(cb).
			WithMetrics(metrics).
			Run(ctx, documentPath, outputDir)
	}

	sc := a.cfg.Server
	srv, err := server.NewServer(run, server.Config{
		Host:                 sc.Host,
		Port:                 sc.Port,
		CORSOrigin:           sc.CORSOrigin,
		MaxUploadMB:          sc.MaxUploadMB,
		WorkDir:              sc.WorkDir,
		SubmissionsPerMinute: sc.SubmissionsPerMinute,
		MaxConcurrentRuns:    sc.MaxConcurrentRuns,
		Gatherer:             metrics.Registry(),
		Logger:               a.logger.With("component", "server"),
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(cmd.Context())
}
