package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/folio/internal/batch"
	"github.com/MeKo-Tech/folio/internal/config"
	"github.com/MeKo-Tech/folio/internal/htr"
	"github.com/MeKo-Tech/folio/internal/pipeline"
	"github.com/MeKo-Tech/folio/internal/refine"
	"github.com/MeKo-Tech/folio/internal/remote"
)

func (a *app) htrClient() *htr.Client {
	cfg := a.cfg.Transkribus
	return htr.NewClient(htr.Options{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Limiter: remote.NewRateLimiter(cfg.RequestsPerSecond, 1),
		Logger:  a.logger.With("service", "transkribus"),
	})
}

func (a *app) refineClient() (*refine.Client, error) {
	cfg := a.cfg.OpenAI
	prompt, err := refine.LoadPrompt(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}
	api := refine.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, remote.NewHTTPClient(0))
	return refine.NewClient(api, refine.Options{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Prompt:       prompt,
		Limiter:      remote.NewRateLimiter(cfg.RequestsPerSecond, 1),
		Logger:       a.logger.With("service", "openai"),
		Timeout:      cfg.Timeout,
		MaxImageSide: cfg.MaxImageSide,
	}), nil
}

// pipelineConfig maps the loaded configuration onto the orchestrator's.
func pipelineConfig(cfg *config.Config, example refine.WorkedExample) pipeline.Config {
	return pipeline.Config{
		Credentials: htr.Credentials{
			Username: cfg.Transkribus.Username,
			Password: cfg.Transkribus.Password,
		},
		CollectionID:  cfg.Transkribus.CollectionID,
		TranscriptDir: cfg.Transkribus.OutputDir,
		PollInterval:  cfg.Transkribus.PollInterval,
		MaxAttempts:   cfg.Transkribus.MaxAttempts,
		Context:       cfg.OpenAI.Context,
		Example:       example,
		BatchSize:     cfg.OpenAI.BatchSize,
		Workers:       cfg.OpenAI.Workers,
	}
}

func (a *app) workedExample() (refine.WorkedExample, error) {
	return refine.LoadWorkedExample(a.cfg.OpenAI.ExampleOutputPath, a.cfg.OpenAI.ExampleImagePath)
}

// newRun starts a run outside the orchestrator's Run: a fresh run id on the
// context and a metrics collector.
func newRun(ctx context.Context) (context.Context, string, *pipeline.Metrics) {
	runID := uuid.NewString()
	return remote.WithRequestMeta(ctx, remote.RequestMeta{RunID: runID}), runID, pipeline.NewMetrics()
}

func (a *app) orchestrator(r pipeline.Rasterizer, h pipeline.HTRClient, f pipeline.Refiner,
	example refine.WorkedExample, m *pipeline.Metrics, progress io.Writer,
) *pipeline.Orchestrator {
	cb := pipeline.ProgressCallback(pipeline.NewLogProgressCallback(a.logger, slog.LevelDebug))
	if a.progress {
		cb = pipeline.NewMultiProgressCallback(cb, pipeline.NewConsoleProgressCallback(progress))
	}
	return pipeline.New(r, h, f, pipelineConfig(a.cfg, example)).
		WithLogger(a.logger).
		WithProgress(cb).
		WithMetrics(m)
}

// finish writes the result document, the per-page folio files and the
// metrics file.
func (a *app) finish(out io.Writer, res *batch.Result, m *pipeline.Metrics) error {
	if _, err := res.WriteFolioFiles(a.cfg.OutputDir); err != nil {
		return err
	}
	if err := res.SaveResults(out, a.cfg.Output.Format, a.cfg.Output.File); err != nil {
		return err
	}
	return a.writeMetrics(m)
}

func (a *app) writeMetrics(m *pipeline.Metrics) error {
	if a.cfg.MetricsFile == "" {
		return nil
	}
	if err := m.WriteTextfile(a.cfg.MetricsFile); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	a.logger.Debug("metrics written", "file", a.cfg.MetricsFile)
	return nil
}
