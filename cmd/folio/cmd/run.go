package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/folio/internal/batch"
	"github.com/MeKo-Tech/folio/internal/pdf"
	"github.com/MeKo-Tech/folio/internal/pipeline"
)

func newRunCommand(a *app) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline on a manuscript PDF",
		Long: `Rasterize the input PDF, transcribe every page with Transkribus and
refine each transcription with the vision model.

Folios that fail transcription or refinement are left out of the result and
listed in the run report; the rest of the document is still processed.

Examples:
  folio run --config folio.yaml
  folio run --input codex.pdf --output-dir out --pages 1-20 --format yaml`,
		Args: cobra.NoArgs,
		RunE: a.runPipeline,
	}

	f := runCmd.Flags()
	f.String("input", "", "manuscript PDF to process")
	f.String("pages", "", "page range to process, e.g. 1-5,8")
	configFlag(f, "input", "input_pdf")
	configFlag(f, "pages", "split.pages")
	outputFlags(f)
	return runCmd
}

func (a *app) runPipeline(cmd *cobra.Command, _ []string) error {
	if err := a.cfg.RequireKeys("run"); err != nil {
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
	rasterizer := pdf.NewRasterizer(pdf.Options{
		Pages:       a.cfg.Split.Pages,
		Password:    a.cfg.Split.Password,
		JPEGQuality: a.cfg.Split.JPEGQuality,
	}, a.logger)

	metrics := pipeline.NewMetrics()
	orch := a.orchestrator(rasterizer, a.htrClient(), refiner, example, metrics, cmd.ErrOrStderr())

	start := time.Now()
	set, report, err := orch.Run(cmd.Context(), a.cfg.InputPDF, a.cfg.OutputDir)
	if err != nil {
		if merr := a.writeMetrics(metrics); merr != nil {
			a.logger.Warn("metrics not written", "error", merr)
		}
		return err
	}

	return a.finish(cmd.OutOrStdout(), &batch.Result{Set: set, Report: report, Duration: time.Since(start)}, metrics)
}
